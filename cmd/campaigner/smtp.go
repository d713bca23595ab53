package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaigner/internal/app"
	"github.com/foxzi/campaigner/internal/config"
	"github.com/foxzi/campaigner/internal/delivery"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/sink"
	"github.com/foxzi/campaigner/internal/smtp"
	ctls "github.com/foxzi/campaigner/internal/tls"
)

var (
	smtpHost      string
	smtpPort      int
	smtpSecure    bool
	smtpUser      string
	smtpPassword  string
	smtpTransport string
	smtpTimeout   int

	sinkAddr     string
	sinkDir      string
	sinkImplicit bool
)

var smtpCmd = &cobra.Command{
	Use:   "smtp",
	Short: "SMTP account tools",
}

var smtpVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check SMTP credentials without sending",
	Long:  `Connect, negotiate TLS and authenticate against an SMTP server the same way a campaign send does.`,
	RunE:  runSMTPVerify,
}

var smtpSinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run a local SMTP server that accepts and stores every message",
	RunE:  runSMTPSink,
}

func init() {
	smtpVerifyCmd.Flags().StringVar(&smtpHost, "host", "", "SMTP server hostname (required)")
	smtpVerifyCmd.Flags().IntVar(&smtpPort, "port", 587, "SMTP server port")
	smtpVerifyCmd.Flags().BoolVar(&smtpSecure, "secure", false, "Use implicit TLS (usually port 465)")
	smtpVerifyCmd.Flags().StringVar(&smtpUser, "user", "", "Username (required)")
	smtpVerifyCmd.Flags().StringVar(&smtpPassword, "password", "", "Password (or CAMPAIGNER_SMTP_PASSWORD)")
	smtpVerifyCmd.Flags().StringVar(&smtpTransport, "transport", "", "Client implementation: raw or library")
	smtpVerifyCmd.Flags().IntVar(&smtpTimeout, "timeout", 30, "Overall timeout in seconds")
	smtpVerifyCmd.MarkFlagRequired("host")
	smtpVerifyCmd.MarkFlagRequired("user")

	smtpSinkCmd.Flags().StringVar(&sinkAddr, "listen", "", "Listen address (default from config or 127.0.0.1:2525)")
	smtpSinkCmd.Flags().StringVar(&sinkDir, "dir", "", "Store messages as .eml files in this directory")
	smtpSinkCmd.Flags().BoolVar(&sinkImplicit, "implicit-tls", false, "Serve implicit TLS instead of STARTTLS")

	smtpCmd.AddCommand(smtpVerifyCmd, smtpSinkCmd)
	rootCmd.AddCommand(smtpCmd)
}

// optionalConfig loads the config file when one was given, defaults otherwise
func optionalConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

func runSMTPVerify(cmd *cobra.Command, args []string) error {
	cfg, err := optionalConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if smtpTransport != "" {
		cfg.SMTP.Transport = smtpTransport
	}
	if smtpPassword == "" {
		smtpPassword = os.Getenv("CAMPAIGNER_SMTP_PASSWORD")
	}

	logger := app.SetupLogger(cfg.Logging)
	transport, err := smtp.NewTransport(cfg.SMTP.Transport, logger.With("component", "smtp_client"))
	if err != nil {
		return err
	}
	sender := delivery.NewSMTPSender(transport, nil, app.SMTPOptions(cfg.SMTP), logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(smtpTimeout)*time.Second)
	defer cancel()

	fmt.Printf("Verifying %s@%s:%d (secure=%t)...\n", smtpUser, smtpHost, smtpPort, smtpSecure)
	start := time.Now()
	err = sender.Verify(ctx, &models.SMTPSettings{
		Host:     smtpHost,
		Port:     smtpPort,
		Secure:   smtpSecure,
		Username: smtpUser,
		Password: smtpPassword,
	})
	if err != nil {
		if smtp.IsAuthError(err) {
			fmt.Printf("Authentication rejected: %v\n", err)
		} else {
			fmt.Printf("Connection failed: %v\n", err)
		}
		return fmt.Errorf("verification failed")
	}

	fmt.Printf("Credentials accepted (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runSMTPSink(cmd *cobra.Command, args []string) error {
	cfg, err := optionalConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	sc := cfg.Sink
	if sinkAddr != "" {
		sc.ListenAddr = sinkAddr
	}

	logger := app.SetupLogger(cfg.Logging).With("component", "sink")

	var mailbox sink.Mailbox = sink.NewMemoryMailbox()
	if sinkDir != "" {
		mailbox, err = sink.NewDirMailbox(sinkDir)
		if err != nil {
			return err
		}
	}

	var tlsConfig *tls.Config
	if sc.CertFile != "" && sc.KeyFile != "" {
		tlsConfig, err = ctls.LoadCertificate(sc.CertFile, sc.KeyFile)
	} else {
		tlsConfig, err = ctls.SelfSigned(sc.Domain, "localhost", "127.0.0.1")
	}
	if err != nil {
		return err
	}

	srv := sink.NewServer(sink.Options{
		Addr:      sc.ListenAddr,
		Domain:    sc.Domain,
		Username:  sc.Username,
		Password:  sc.Password,
		Mailbox:   mailbox,
		Logger:    logger,
		TLSConfig: tlsConfig,
		Implicit:  sinkImplicit,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sink shutdown error", "error", err)
	}
	return nil
}
