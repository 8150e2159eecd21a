package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"otelexplain/internal/detect"
	"otelexplain/internal/docs"
	"otelexplain/internal/server"
)

var (
	serverHost    string
	serverPort    int
	serverToken   string
	serverOpen    bool
	serverBackend string
	serverModel   string
	serverTimeout int
	serverNoDocs  bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP explanation server",
	RunE:  runServer,
}

func init() {
	defaultHost := envOrDefault("OTELEXPLAIN_SERVER_HOST", "127.0.0.1")
	defaultPort := envIntOrDefault("OTELEXPLAIN_SERVER_PORT", 8080)
	defaultToken := os.Getenv("OTELEXPLAIN_SERVER_TOKEN")
	defaultOpen := envBoolOrDefault("OTELEXPLAIN_SERVER_OPEN", false)

	serverCmd.Flags().StringVarP(&serverHost, "host", "H", defaultHost, "Host/IP to bind to")
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", defaultPort, "Port number")
	serverCmd.Flags().StringVarP(&serverToken, "token", "t", defaultToken, "Authentication token for /api endpoints")
	serverCmd.Flags().BoolVar(&serverOpen, "open", defaultOpen, "Disable token requirement (use with caution)")
	serverCmd.Flags().StringVarP(&serverBackend, "backend", "b", "", "Default LLM backend for requests")
	serverCmd.Flags().StringVarP(&serverModel, "model", "m", "", "Default model for requests")
	serverCmd.Flags().IntVar(&serverTimeout, "timeout", 0, "Per-call timeout in seconds")
	serverCmd.Flags().BoolVar(&serverNoDocs, "no-docs", false, "Skip the local documentation cache")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := loadConfigForCwd(); err != nil {
		return err
	}

	host := strings.TrimSpace(serverHost)
	if host == "" {
		host = "127.0.0.1"
	}
	if serverPort < 1 || serverPort > 65535 {
		return fmt.Errorf("invalid port number: %d", serverPort)
	}
	if serverTimeout < 0 {
		return errors.New("timeout must be a positive number of seconds")
	}
	if !isLocalhost(host) && serverToken == "" && !serverOpen {
		return errors.New("token required when binding to non-localhost address (use --token or --open)")
	}
	if !isLocalhost(host) && serverOpen && serverToken == "" {
		fmt.Fprintln(os.Stderr, "Warning: server exposed without authentication (--open flag used)")
		fmt.Fprintln(os.Stderr, "Anyone with network access can submit configurations to your LLM backend!")
	}

	var docsLookup func(component detect.Component) string
	if !serverNoDocs {
		if manager, err := docs.NewManager(docs.Options{}); err == nil {
			docsLookup = manager.Context
		}
	}

	printServerInfo(host, serverPort, serverToken)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.StartServer(ctx, server.Options{
		Host:        host,
		Port:        serverPort,
		Token:       serverToken,
		Open:        serverOpen,
		BackendName: serverBackend,
		Model:       serverModel,
		CallTimeout: time.Duration(serverTimeout) * time.Second,
		DocsLookup:  docsLookup,
	})
}

func printServerInfo(host string, port int, token string) {
	fmt.Printf("Starting otelexplain server on %s:%d...\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /              - Web form")
	fmt.Println("  GET  /healthz       - Health check")
	fmt.Println("  GET  /api/backends  - List LLM backends")
	fmt.Println("  POST /api/explain   - Explain a configuration")
	if strings.TrimSpace(token) != "" {
		fmt.Println("Authentication: Bearer token required on /api endpoints")
	} else {
		fmt.Println("Authentication: None (use --token to enable)")
	}
	fmt.Println("")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("")
}

func isLocalhost(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	default:
		return false
	}
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envBoolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
