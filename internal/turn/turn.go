// Package turn embeds a TURN/STUN server so clients behind NAT can set up
// the media path once call signaling completes. No media flows through the
// chatline process itself.
package turn

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

type Server struct {
	server   *turn.Server
	username string
	password string
	logger   *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

func Initialize(port int, realm, keysDir string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}

	creds := loadOrGenerateCredentials(keysDir, logger)

	relayIP := publicIP(logger)
	if relayIP == nil {
		relayIP = localIP(logger)
	}
	logger.Info("turn relay address resolved", "ip", relayIP.String())

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(creds.Username, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	logger.Info("turn server initialized", "port", port, "realm", realm, "username", creds.Username)

	return &Server{
		server:   s,
		username: creds.Username,
		password: creds.Password,
		logger:   logger,
	}, nil
}

func (s *Server) GetCredentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func staticAuthHandler(expectedUsername, password string) turn.AuthHandler {
	return func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, password), true
		}
		return nil, false
	}
}

func loadOrGenerateCredentials(keysDir string, logger *slog.Logger) Credentials {
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if username, err := os.ReadFile(usernameFile); err == nil {
		if password, err := os.ReadFile(passwordFile); err == nil {
			return Credentials{
				Username: strings.TrimSpace(string(username)),
				Password: strings.TrimSpace(string(password)),
			}
		}
	}

	creds := Credentials{Username: "chatline", Password: generatePassword()}
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		_ = os.WriteFile(usernameFile, []byte(creds.Username), 0600)
		_ = os.WriteFile(passwordFile, []byte(creds.Password), 0600)
		logger.Info("turn credentials saved", "dir", keysDir)
	}
	return creds
}

func generatePassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// publicIP asks ipify.org for the address to hand out as the relay address.
func publicIP(logger *slog.Logger) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Warn("could not determine public IP", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("unexpected status from ipify.org", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	return net.ParseIP(strings.TrimSpace(string(body)))
}

// localIP falls back to the interface address used to reach the internet.
func localIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Warn("could not determine local IP, using loopback", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
