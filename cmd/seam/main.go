package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/uhthomas/seam/internal/bolt"
	"github.com/uhthomas/seam/internal/scylla"
	"github.com/uhthomas/seam/pkg/seam"
	"gopkg.in/alecthomas/kingpin.v2"
)

type worker time.Duration

// Do runs f, then again every interval until ctx is cancelled. Failures
// are logged and the loop keeps going.
func (w worker) Do(ctx context.Context, f func() error) {
	for {
		if err := f(); err != nil {
			log.Warn().Err(err).Msg("sweep failed")
		}
		t := time.After(time.Duration(w))
		select {
		case <-ctx.Done():
			return
		case <-t:
		}
	}
}

func loadMimeTypes(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	m := make(map[string][]string)
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		for _, vv := range v {
			mime.AddExtensionType(vv, k)
		}
	}
	return nil
}

func certificateGetter(certFile, keyFile string) func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	var cached *tls.Certificate
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if cached != nil {
			return cached, nil
		}
		if certFile != "" && keyFile != "" {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return nil, err
			}
			cached = &cert
			return cached, nil
		}
		// Generate a self-signed certificate
		sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
		if err != nil {
			return nil, err
		}
		now := time.Now()
		t := &x509.Certificate{
			SerialNumber:          sn,
			NotBefore:             now,
			NotAfter:              now.Add(365 * 24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			BasicConstraintsValid: true,
			IsCA:                  true,
		}
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
		c, err := x509.CreateCertificate(rand.Reader, t, t, &k.PublicKey, k)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(
			pem.EncodeToMemory(&pem.Block{
				Type:  "CERTIFICATE",
				Bytes: c,
			}),
			pem.EncodeToMemory(&pem.Block{
				Type:  "RSA PRIVATE KEY",
				Bytes: x509.MarshalPKCS1PrivateKey(k),
			}),
		)
		cached = &cert
		return cached, err
	}
}

func main() {
	logLevel := kingpin.
		Flag("log-level", "Log level.").
		Default("info").
		String()
	logConsole := kingpin.
		Flag("log-console", "Human-readable log output.").
		Bool()

	servecmd := kingpin.Command("serve", "Start a seam server.").Default()

	addr := servecmd.
		Flag("addr", "Server listen address.").
		Default("0.0.0.0:443").
		String()
	cert := servecmd.
		Flag("cert", "TLS certificate path.").
		String()
	key := servecmd.
		Flag("key", "TLS key path.").
		String()
	mimeTypes := servecmd.
		Flag("mime", "A json formatted collection of extensions and mime types.").
		PlaceHolder("PATH").
		String()
	path := servecmd.
		Flag("path", "Staging root path.").
		PlaceHolder("PATH").
		String()
	maxAge := servecmd.
		Flag("max-age", "Age after which staging areas and uncollected artifacts are reaped.").
		Default("90m").
		Duration()
	maxUpload := servecmd.
		Flag("max-upload", "The maximum size of a single upload.").
		Default("1GiB").
		Bytes()
	maxStaging := servecmd.
		Flag("max-staging", "The maximum aggregate size of the staging root.").
		Default("50GiB").
		Bytes()
	sweepEvery := servecmd.
		Flag("sweep-every", "Reap on an interval as well; by default reaping piggybacks on submissions only.").
		Default("0").
		Duration()
	storeKind := servecmd.
		Flag("store", "Upload record store.").
		Default("bolt").
		Enum("bolt", "scylla", "none")
	boltPath := servecmd.
		Flag("bolt", "Bolt database path.").
		Default("seam.db").
		String()
	scyllaAddr := servecmd.
		Flag("scylla", "Scylla/Cassandra host, repeatable.").
		Default("localhost:9042").
		Strings()
	metricsOn := servecmd.
		Flag("metrics", "Serve Prometheus metrics on /metrics.").
		Bool()

	var u uploadCommand
	{
		uploadcmd := kingpin.Command("upload", "Upload a file in chunks.")
		uploadcmd.
			Arg("file", "File to be uploaded").
			Required().
			FileVar(&u.File)
		uploadcmd.
			Flag("insecure", "Don't verify SSL certificates.").
			BoolVar(&u.Insecure)
		uploadcmd.
			Flag("chunk-size", "Size of each submitted chunk.").
			Default("8MiB").
			BytesVar(&u.ChunkSize)
		uploadcmd.
			Flag("url", "Server URL.").
			Envar("SEAM_URL").
			Default("https://localhost").
			URLVar(&u.URL)
	}

	reapcmd := kingpin.Command("reap", "Sweep stale staging areas once and exit.")
	reapPath := reapcmd.
		Flag("path", "Staging root path.").
		PlaceHolder("PATH").
		String()
	reapAge := reapcmd.
		Flag("max-age", "Staleness threshold.").
		Default("90m").
		Duration()

	t := kingpin.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		kingpin.Fatalf("bad log level: %v", err)
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	if *logConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	switch t {
	case "upload":
		u.Do()
		return
	case "reap":
		opts := []seam.Option{seam.MaxAge(*reapAge), seam.Logger(log.Logger)}
		if *reapPath != "" {
			opts = append(opts, seam.Path(*reapPath))
		}
		if err := seam.New(opts...).Reap(time.Now()); err != nil {
			log.Fatal().Err(err).Msg("reap failed")
		}
		return
	}

	// Load mime types
	if m := *mimeTypes; m != "" {
		if err := loadMimeTypes(m); err != nil {
			log.Fatal().Err(err).Msg("cannot load mime types")
		}
	}

	var store seam.Store
	switch *storeKind {
	case "bolt":
		s, err := bolt.New(*boltPath, *maxAge)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open bolt store")
		}
		defer s.Close()
		store = s
	case "scylla":
		s, err := scylla.New(*maxAge, *scyllaAddr...)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot connect to scylla")
		}
		defer s.Close()
		store = s
	}

	opts := []seam.Option{
		seam.MaxAge(*maxAge),
		seam.MaxUpload(int64(*maxUpload)),
		seam.MaxStaging(int64(*maxStaging)),
		seam.Logger(log.Logger),
	}
	if *path != "" {
		opts = append(opts, seam.Path(*path))
	}
	if store != nil {
		opts = append(opts, seam.Records(store))
	}

	mux := http.NewServeMux()
	if *metricsOn {
		reg := prometheus.NewRegistry()
		opts = append(opts, seam.Instrument(seam.NewMetrics(reg)))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	e := seam.New(opts...)
	mux.Handle("/", seam.NewHandler(e))

	if *sweepEvery > 0 {
		go worker(*sweepEvery).Do(context.Background(), func() error {
			return e.Reap(time.Now())
		})
	}

	hs := &http.Server{
		Addr:    *addr,
		Handler: mux,
		TLSConfig: &tls.Config{
			GetCertificate: certificateGetter(*cert, *key),
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
			PreferServerCipherSuites: true,
			MinVersion:               tls.VersionTLS12,
			CurvePreferences:         []tls.CurveID{tls.CurveP256, tls.X25519},
		},
		// Chunk submissions and artifact downloads can both run long, so
		// only the header read and idle keep-alives are bounded.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Output a message so users know when the server has been started.
	log.Info().Str("addr", *addr).Msg("listening")
	log.Fatal().Err(hs.ListenAndServeTLS("", "")).Msg("server stopped")
}
