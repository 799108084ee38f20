package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/newsmail/internal/transport"
)

var (
	initSiteURL  string
	initDomain   string
	initHostname string
	initRelay    string
	initOutput   string
	initDKIM     bool
	initDataDir  string
	initSecret   string
	initAPIKey   string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Newsmail configuration",
	Long: `Create a Newsmail configuration file, prompting for missing values.

Examples:
  # Interactive mode
  newsmail init

  # Non-interactive
  newsmail init --site-url https://www.example.com --domain example.com --relay localhost:25 --dkim`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initSiteURL, "site-url", "", "Public base URL of the tracking server")
	initCmd.Flags().StringVar(&initDomain, "domain", "", "Sender domain (e.g., example.com)")
	initCmd.Flags().StringVar(&initHostname, "hostname", "", "Hostname for HELO and Message-ID (default: mail.<domain>)")
	initCmd.Flags().StringVar(&initRelay, "relay", "localhost:25", "SMTP relay host:port")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().BoolVar(&initDKIM, "dkim", false, "Generate a DKIM key")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/newsmail", "Data directory for databases and keys")
	initCmd.Flags().StringVar(&initSecret, "auth-secret", "", "Secret for recipient auth codes (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "Reporting API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Newsmail Configuration Wizard")
	fmt.Println("=============================")
	fmt.Println()

	if initSiteURL == "" {
		initSiteURL = prompt(reader, "Site URL (e.g., https://www.example.com)", "")
		if initSiteURL == "" {
			return fmt.Errorf("site URL is required")
		}
	}
	if initDomain == "" {
		initDomain = prompt(reader, "Sender domain (e.g., example.com)", "")
		if initDomain == "" {
			return fmt.Errorf("domain is required")
		}
	}
	if initHostname == "" {
		initHostname = prompt(reader, "Hostname", "mail."+initDomain)
	}
	initRelay = prompt(reader, "SMTP relay", initRelay)
	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initSecret == "" {
		initSecret = generateRandomString(32)
	}
	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	var dkimKeyPath, dkimName, dkimRecord string
	if initDKIM {
		dkimKeyPath = filepath.Join(initDataDir, "dkim", initDomain+".key")
		var err error
		dkimName, dkimRecord, err = transport.GenerateKey(dkimKeyPath, initDomain, "newsmail")
		if err != nil {
			return fmt.Errorf("failed to generate DKIM key: %w", err)
		}
		fmt.Printf("  DKIM key saved to: %s\n", dkimKeyPath)
	}

	config := generateConfig(dkimKeyPath)
	if err := os.WriteFile(initOutput, []byte(config), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	if dkimName != "" {
		fmt.Println("DKIM Record")
		fmt.Println("===========")
		fmt.Printf("   Name:  %s\n", dkimName)
		fmt.Printf("   Type:  TXT\n")
		fmt.Printf("   Value: %s\n", dkimRecord)
		fmt.Println()
	}

	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Printf("1. Create the schema:    newsmail migrate -c %s\n", initOutput)
	fmt.Printf("2. Start the server:     newsmail serve -c %s\n", initOutput)
	fmt.Printf("3. Route %s/jump to the tracking listener\n", strings.TrimRight(initSiteURL, "/"))
	fmt.Println()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig(dkimKeyPath string) string {
	host, port, ok := strings.Cut(initRelay, ":")
	if !ok {
		port = "25"
	}

	dkimSection := fmt.Sprintf(`  dkim:
    enabled: false
    selector: "newsmail"
    domain: "%s"
    key_file: "%s/dkim/%s.key"`, initDomain, initDataDir, initDomain)
	if dkimKeyPath != "" {
		dkimSection = fmt.Sprintf(`  dkim:
    enabled: true
    selector: "newsmail"
    domain: "%s"
    key_file: "%s"`, initDomain, dkimKeyPath)
	}

	return fmt.Sprintf(`# Newsmail configuration
# Generated by: newsmail init

server:
  hostname: "%s"
  site_url: "%s"

storage:
  database: "%s/newsmail.db"
  state: "%s/state.db"

logging:
  level: "info"
  format: "json"

dispatch:
  max_per_cycle: 50
  interval: 1m
  lock_backend: bolt   # bolt, redis
  lock_ttl: 10m
  # limits:
  #   global:
  #     messages_per_hour: 5000
  #   recipient_domain:
  #     messages_per_hour: 500
  #   domains:
  #     gmail.com:
  #       messages_per_hour: 200

transport:
  mode: smtp           # smtp, sandbox, redirect
  # redirect_to: "qa@%s"
  host: "%s"
  port: %s
  tls: none            # none, starttls, tls
  timeout: 30s
%s

tracking:
  listen_addr: ":8080"
  path: "/jump"
  auth_secret: "%s"
  api_key: "%s"
  dedup_window: 10s
  # api_allowed_ips:
  #   - "127.0.0.1"
  # tls:
  #   acme:
  #     enabled: true
  #     email: "postmaster@%s"
  #     domains: ["%s"]

bounce:
  enabled: false
  addr: "imap.%s:993"
  username: "bounces@%s"
  password: ""
  mailbox: "INBOX"
  tls: tls
  interval: 5m
  deactivate: false
  deactivate_codes: [550, 551]

# redis:
#   addr: "localhost:6379"

metrics:
  enabled: false
  listen_addr: ":9090"
  allowed_ips:
    - "127.0.0.1"
`,
		initHostname, strings.TrimRight(initSiteURL, "/"),
		initDataDir, initDataDir,
		initDomain,
		host, port,
		dkimSection,
		initSecret, initAPIKey,
		initDomain, initHostname,
		initDomain, initDomain,
	)
}
