package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/acme/autocert"

	"github.com/marska/chatline/internal/config"
)

const shutdownTimeout = 5 * time.Second

// runServer picks the serving mode and blocks until ctx is canceled, then
// shuts the HTTP servers down gracefully.
func runServer(ctx context.Context, router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) {
	switch {
	case cfg.HTTPOnly:
		runHTTP(ctx, router, cfg, logger)
	case selfSigned:
		runSelfSignedHTTPS(ctx, router, cfg, logger)
	default:
		runAutocertHTTPS(ctx, router, cfg, logger)
	}
}

func runHTTP(ctx context.Context, router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	srv := newHTTPServer(":"+cfg.HTTPPort, router, logger)

	go func() {
		logger.Info("http server starting", "port", cfg.HTTPPort, "frontend_uri", cfg.FrontendURI)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	waitAndShutdown(ctx, logger, srv)
}

func runSelfSignedHTTPS(ctx context.Context, router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	hosts := []string{"localhost"}
	if cfg.Domain != "" {
		hosts = []string{cfg.Domain}
	}

	certPEM, keyPEM, err := generateSelfSignedCert(hosts)
	if err != nil {
		logger.Error("failed to generate self-signed certificate", "error", err)
		return
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		logger.Error("failed to load self-signed certificate", "error", err)
		return
	}

	httpsSrv := newHTTPServer(":"+cfg.HTTPSPort, router, logger)
	httpsSrv.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	redirectSrv := newHTTPServer(":"+cfg.HTTPPort, redirectToHTTPS(cfg.HTTPSPort), logger)

	go func() {
		logger.Info("http redirect server starting", "port", cfg.HTTPPort)
		if err := redirectSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http redirect server failed", "error", err)
		}
	}()
	go func() {
		logger.Info("https server starting (self-signed)", "port", cfg.HTTPSPort, "hosts", hosts)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("https server failed", "error", err)
		}
	}()

	waitAndShutdown(ctx, logger, httpsSrv, redirectSrv)
}

func runAutocertHTTPS(ctx context.Context, router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	certsDir := config.CertsDirectory()
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		logger.Error("failed to create certs directory", "error", err)
		return
	}

	domain := normalizeDomain(cfg.Domain)
	logger.Info("configured domain", "domain", cfg.Domain, "normalized", domain)
	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not work for localhost; use --self-signed for local development")
	}

	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != domain {
				// Rejected quietly to avoid log spam from scanners.
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}

	// Port 80 answers ACME challenges and redirects everything else.
	challengeHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
			m.HTTPHandler(nil).ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})

	httpSrv := newHTTPServer(":"+cfg.HTTPPort, challengeHandler, logger)
	httpsSrv := newHTTPServer(":"+cfg.HTTPSPort, router, logger)
	httpsSrv.TLSConfig = m.TLSConfig()

	go func() {
		logger.Info("http server starting (ACME challenges and redirects)", "port", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()
	go func() {
		logger.Info("https server starting", "port", cfg.HTTPSPort, "domain", domain, "certs_dir", certsDir)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("https server failed", "error", err)
		}
	}()

	waitAndShutdown(ctx, logger, httpsSrv, httpSrv)
}

func newHTTPServer(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     log.New(newTLSErrorWriter(logger), "", 0),
	}
}

func redirectToHTTPS(httpsPort string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if idx := strings.Index(host, ":"); idx != -1 {
			host = host[:idx]
		}
		target := "https://" + host + ":" + httpsPort + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

func waitAndShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) {
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shut down", "addr", srv.Addr, "error", err)
		}
	}
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}

// generateSelfSignedCert creates a one-year certificate for local use.
func generateSelfSignedCert(hosts []string) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	var dnsNames []string
	var ipAddrs []net.IP
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if idx := strings.Index(h, ":"); idx != -1 {
			h = h[:idx]
		}
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			ipAddrs = append(ipAddrs, ip)
		} else {
			dnsNames = append(dnsNames, h)
		}
	}
	if len(dnsNames) == 0 && len(ipAddrs) == 0 {
		dnsNames = []string{"localhost"}
	}

	commonName := "localhost"
	if len(dnsNames) > 0 {
		commonName = dnsNames[0]
	} else {
		commonName = ipAddrs[0].String()
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Chatline Development"},
			CommonName:   commonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certBuf := new(bytes.Buffer)
	if err := pem.Encode(certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode certificate: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyBuf := new(bytes.Buffer)
	if err := pem.Encode(keyBuf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	return certBuf.Bytes(), keyBuf.Bytes(), nil
}
