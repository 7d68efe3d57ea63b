package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haatos/patchtest/internal"
	"github.com/haatos/patchtest/internal/security"
)

func EncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a secret for the configuration file",
		Long: `Read a secret from the terminal, or from stdin when it is not a terminal,
and print it encrypted with the secret key. A secret key is generated and
written to the .env file when none is set.

The printed value can replace a plain token, api key or password in the
configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := security.EnsureSecretKey(internal.SecretKeyEnv, internal.DotEnvPath)
			if err != nil {
				return fmt.Errorf("ensuring secret key: %w", err)
			}
			secret, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out, err := encryptSecret(security.NewAESEncrypter([]byte(key)), secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func readSecret(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Secret: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func encryptSecret(e security.Encrypter, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("empty secret")
	}
	ciphertext, err := e.EncryptAES(secret)
	if err != nil {
		return "", err
	}
	return security.EncryptedPrefix + ciphertext, nil
}
