// Command keytool generates key entries for PV_*_KEYS and shows which key ids
// are configured and active, without printing any secret.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"profilevault.org/internal/config"
	"profilevault.org/internal/keyring"
)

const minKeyBytes = 16

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return errors.New("missing command")
	}
	switch args[0] {
	case "generate":
		return generate(args[1:], out)
	case "inspect":
		return inspect(args[1:], out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func generate(args []string, out io.Writer) error {
	var (
		id    string
		bytes int
	)
	flagSet := pflag.NewFlagSet("keytool generate", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVar(&id, "id", "", "key id to embed in tokens and envelopes (required)")
	flagSet.IntVar(&bytes, "bytes", 32, "random bytes of key material")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, ":,") {
		return errors.New("--id is required and must not contain ':' or ','")
	}
	if bytes < minKeyBytes {
		return fmt.Errorf("--bytes must be at least %d", minKeyBytes)
	}
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%s:%s\n", id, base64.RawURLEncoding.EncodeToString(buf))
	return err
}

func inspect(args []string, out io.Writer) error {
	var envFile string
	flagSet := pflag.NewFlagSet("keytool inspect", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVar(&envFile, "env", ".env", "optional .env file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	set, err := keyring.Build(cfg.KeyConfig())
	if err != nil {
		return err
	}
	for _, purpose := range keyring.Purposes {
		ring, err := set.Ring(purpose)
		if err != nil {
			fmt.Fprintf(out, "%-8s not configured\n", purpose)
			continue
		}
		fmt.Fprintf(out, "%-8s active=%s legacy=%s keys=%s\n",
			purpose, ring.ActiveID(), ring.LegacyID(), strings.Join(ring.IDs(), ","))
	}
	fmt.Fprintf(out, "legacy fallback: enabled=%v", cfg.Legacy.Enabled)
	if !cfg.Legacy.Until.IsZero() {
		fmt.Fprintf(out, " until=%s", cfg.Legacy.Until.Format("2006-01-02T15:04:05Z07:00"))
	}
	fmt.Fprintln(out)
	return nil
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `Usage:
  keytool generate --id <kid> [--bytes 32]
  keytool inspect [--env .env]
`)
}
