package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sparkyfit/updater/internal/output"
	"github.com/sparkyfit/updater/internal/security"
)

const (
	privateKeyFile = "update-key.pem"
	publicKeyFile  = "update-key.pub.pem"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage update signing keys",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a signing key pair",
		Long: `Generate writes an Ed25519 key pair for signing update service responses.

The public key goes into the bundle named by security.public_keys on every
installation. Keep the private key with the update service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			privPath := filepath.Join(dir, privateKeyFile)
			pubPath := filepath.Join(dir, publicKeyFile)
			if !force {
				for _, p := range []string{privPath, pubPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", p)
					}
				}
			}

			key, privPEM, pubPEM, err := security.GenerateKey()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
			if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
				return fmt.Errorf("failed to write public key: %w", err)
			}

			return newWriter().Write(output.Message{
				Message: fmt.Sprintf("Generated key %s\nPrivate key: %s\nPublic key:  %s", key.ID, privPath, pubPath),
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to write the key pair to")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing key files")

	return cmd
}

type signedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

func newSignCmd() *cobra.Command {
	var keyPath string

	cmd := &cobra.Command{
		Use:   "sign <payload.json>",
		Short: "Sign an update check payload",
		Long: `Sign wraps a check payload in the signed envelope the update service
returns: {"payload": ..., "signature": base64}. The payload is embedded in
compact form and the signature covers exactly the embedded bytes.

Use '-' to read the payload from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyPath == "" {
				return errors.New("--key is required")
			}
			key, err := security.LoadPrivateKey(keyPath)
			if err != nil {
				return err
			}

			var payload []byte
			if args[0] == "-" {
				payload, err = io.ReadAll(cmd.InOrStdin())
			} else {
				payload, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			env, err := signPayload(key, payload)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			return enc.Encode(env)
		},
	}

	cmd.Flags().StringVar(&keyPath, "key", "", "Private key file")

	return cmd
}

func signPayload(key security.PrivateKey, payload []byte) (*signedEnvelope, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	payload = buf.Bytes()

	sig, err := security.Sign(key, payload)
	if err != nil {
		return nil, err
	}
	return &signedEnvelope{
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}
