// Package httpserver runs the API listeners and drains them on shutdown.
package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Blog API"},
			CommonName:   "localhost",
		},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	return tls.X509KeyPair(certPEM, keyPEM)
}

// Server owns the plain listener and, with TLS_SELF_SIGNED, a second one
// serving the same handler over a generated certificate.
type Server struct {
	log             *logrus.Entry
	plain           *http.Server
	secure          *http.Server
	shutdownTimeout time.Duration
}

func New(logger *logrus.Logger, cfg config.HTTPConfig, port int, handler http.Handler) (*Server, error) {
	s := &Server{
		log:             logger.WithField("component", "http_server"),
		plain:           newHTTPServer(fmt.Sprintf(":%d", port), cfg, handler),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if cfg.TLSSelfSigned {
		cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generate self-signed certificate: %w", err)
		}
		s.secure = newHTTPServer(fmt.Sprintf(":%d", cfg.TLSPort), cfg, handler)
		s.secure.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return s, nil
}

func newHTTPServer(addr string, cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

// Run serves until ctx is cancelled or a listener fails, then shuts every
// listener down within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	plainLn, err := net.Listen("tcp", s.plain.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.plain.Addr, err)
	}
	var secureLn net.Listener
	if s.secure != nil {
		secureLn, err = net.Listen("tcp", s.secure.Addr)
		if err != nil {
			plainLn.Close()
			return fmt.Errorf("listen %s: %w", s.secure.Addr, err)
		}
	}
	return s.serve(ctx, plainLn, secureLn)
}

func (s *Server) serve(ctx context.Context, plainLn, secureLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.WithField("addr", plainLn.Addr().String()).Info("Starting HTTP server")
		return ignoreClosed(s.plain.Serve(plainLn))
	})
	if secureLn != nil {
		g.Go(func() error {
			s.log.WithField("addr", secureLn.Addr().String()).Info("Starting HTTPS server")
			return ignoreClosed(s.secure.ServeTLS(secureLn, "", ""))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down HTTP servers")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()

		err := s.plain.Shutdown(shutdownCtx)
		if s.secure != nil {
			err = errors.Join(err, s.secure.Shutdown(shutdownCtx))
		}
		if err != nil {
			s.log.WithError(err).Error("Server shutdown error")
		}
		return err
	})

	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
