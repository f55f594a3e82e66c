package main

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/muurk/securedfu/internal/config"
	"github.com/muurk/securedfu/internal/digest"
	"github.com/muurk/securedfu/internal/image"
	"github.com/muurk/securedfu/internal/keys"
	"github.com/muurk/securedfu/internal/logging"
	"github.com/muurk/securedfu/internal/nvm"
	"github.com/muurk/securedfu/internal/ui"
	"github.com/muurk/securedfu/internal/verify"
)

// Image command flags
var (
	keyOut       string
	pubOut       string
	signKey      string
	signVersion  string
	signLoadAddr string
	signHeader   uint32
	signAlign    int
	signOut      string
	inspectKey   string
)

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(inspectCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ECDSA P-256 signing key",
	Long: `Generate a new ECDSA P-256 key pair for signing images.

The private key is written as PKCS#8 PEM with user-only permissions. The
public key is written next to it; install it on devices as the profile's
image.public_key_file.`,
	Example: `  dfu-host keygen --out signing.pem
  dfu-host keygen --out signing.pem --pub device-key.pem`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVarP(&keyOut, "out", "o", "signing.pem", "Private key output path")
	keygenCmd.Flags().StringVar(&pubOut, "pub", "", "Public key output path (default: <out>.pub)")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	if _, err := os.Stat(keyOut); err == nil {
		return fmt.Errorf("refusing to overwrite existing key %s", keyOut)
	}
	if pubOut == "" {
		pubOut = keyOut + ".pub"
	}

	key, err := keys.Generate()
	if err != nil {
		return err
	}
	privPEM, err := keys.EncodePrivateKey(key)
	if err != nil {
		return err
	}
	pubDER, err := keys.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}

	if err := os.WriteFile(keyOut, privPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubOut, keys.EncodePublicKey(pubDER), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	keyHash := keys.KeyHash(pubDER)
	ui.PrintSuccess("Signing key created", ui.Fields{}.
		Add("Private key", keyOut).
		Add("Public key", pubOut).
		Add("Key hash", hex.EncodeToString(keyHash[:8])+"…"))
	return nil
}

var signCmd = &cobra.Command{
	Use:   "sign <payload>",
	Short: "Build a signed image from a raw payload",
	Long: `Wrap a raw firmware payload in an image header and append a signed trailer.

The trailer carries the SHA-256 of header and payload, the SHA-256 of the
signing public key and the DER ECDSA signature. Without --key the signing key
from the host configuration is used, and failing that the embedded
development key (accepted only by devices running the development profile).`,
	Example: `  dfu-host sign app.bin --key signing.pem --version 1.2.0+7 --out app.img
  dfu-host sign app.bin --version 0.1.0 --load-addr 0x10018000`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVarP(&signKey, "key", "k", "", "PEM private key used for signing")
	signCmd.Flags().StringVar(&signVersion, "version", "0.0.0", "Image version (major.minor.revision[+build])")
	signCmd.Flags().StringVar(&signLoadAddr, "load-addr", "0x10018000", "Execution address recorded in the header")
	signCmd.Flags().Uint32Var(&signHeader, "header-size", image.DefaultHeaderSize, "Padded header size in bytes")
	signCmd.Flags().IntVar(&signAlign, "align", 0, "Pad the image to a multiple of this many bytes")
	signCmd.Flags().StringVarP(&signOut, "out", "o", "", "Output path (default: <payload>.img)")
}

// loadSigningKey resolves the key from the flag, then the host
// configuration, then the embedded development key.
func loadSigningKey(path string) (*ecdsa.PrivateKey, string, error) {
	if path == "" {
		if reg, err := config.LoadRegistry(); err == nil && reg.Preferences.SigningKey != "" {
			path = reg.Preferences.SigningKey
		}
	}
	if path == "" {
		key, err := keys.ParsePrivateKey(keys.DevPrivateKeyPEM())
		return key, "embedded development key", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := keys.ParsePrivateKey(data)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return key, path, nil
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(v), nil
}

func runSign(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	_ = logging.InitializeFromEnv()

	payloadPath := args[0]
	if signOut == "" {
		signOut = payloadPath + ".img"
	}

	ver, err := image.ParseVersion(signVersion)
	if err != nil {
		return err
	}
	loadAddr, err := parseAddr(signLoadAddr)
	if err != nil {
		return err
	}
	key, keySource, err := loadSigningKey(signKey)
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	img, err := image.Build(payload, image.BuildOptions{
		HeaderSize: signHeader,
		LoadAddr:   loadAddr,
		Version:    ver,
		Align:      signAlign,
	}, key)
	if err != nil {
		ui.PrintFailure("Signing failed", err, nil)
		return err
	}
	if err := os.WriteFile(signOut, img, 0644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}

	details := ui.Fields{}.
		Add("Image", signOut).
		Add("Version", ver.String()).
		Add("Size", fmt.Sprintf("%d bytes", len(img))).
		Add("Load addr", fmt.Sprintf("0x%08x", loadAddr)).
		Add("Key", keySource)
	if signKey == "" && keySource == "embedded development key" {
		ui.PrintWarning("Signed with the development key", details)
		return nil
	}
	ui.PrintSuccess("Image signed", details)
	return nil
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Decode and optionally verify an image",
	Long: `Print the header and trailer of a signed image.

With --key the image is also run through the same verifier the device uses,
so a bad signature or a key mismatch shows up before an update is attempted.`,
	Example: `  dfu-host inspect app.img
  dfu-host inspect app.img --key device-key.pem`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectKey, "key", "", "Public key to verify against (\"dev\" for the embedded key)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	_ = logging.InitializeFromEnv()

	img, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	info, err := image.Inspect(img)
	if err != nil {
		ui.PrintFailure("Not a valid image", err, []string{
			"Images are produced by 'dfu-host sign'",
			"Raw payloads must be signed before they can be uploaded",
		})
		return err
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	panel := imagePanel(args[0], info)

	if inspectKey != "" {
		pub, err := loadPublicKey(inspectKey)
		if err != nil {
			return err
		}
		keyHash := keys.KeyHash(pub)
		panel.Add("Key match", fmt.Sprintf("%t", bytes.Equal(keyHash[:], info.Trailer.KeyHash.Value)))

		if _, err := verifyOffline(img, info.Header.HeaderSize, pub); err != nil {
			p.PrintPanel(panel)
			p.Newline()
			p.PrintError("Verification failed", err, []string{
				"Check the image was signed with the key the device trusts",
				"Re-sign the payload if the image was modified after signing",
			})
			return err
		}
		panel.Add("Signature", "valid")
	}

	p.PrintPanel(panel)
	return nil
}

func imagePanel(path string, info *image.Info) *ui.Panel {
	h, t := info.Header, info.Trailer
	return ui.NewPanel("Image "+path).
		Add("Version", h.Version.String()).
		Add("Load addr", fmt.Sprintf("0x%08x", h.LoadAddr)).
		Add("Header", fmt.Sprintf("%d bytes", h.HeaderSize)).
		Add("Payload", fmt.Sprintf("%d bytes", h.PayloadSize)).
		Add("Image", fmt.Sprintf("%d bytes", info.Size)).
		Add("Trailer", fmt.Sprintf("%d bytes", t.Size)).
		Add("SHA-256", hex.EncodeToString(t.Hash.Value)).
		Add("Key hash", hex.EncodeToString(t.KeyHash.Value)).
		Add("Signature", fmt.Sprintf("%d bytes DER", t.Signature.Length))
}

func loadPublicKey(path string) ([]byte, error) {
	if path == "dev" {
		return keys.DevPublicKey(), nil
	}
	return keys.LoadPublicKeyFile(path)
}

// verifyOffline runs the device verifier over an image held in memory
func verifyOffline(img []byte, headerSize uint32, pub []byte) (*verify.Result, error) {
	v, err := verify.New(verify.Config{HeaderSize: headerSize, PublicKey: pub},
		digest.NewSoftware(), verify.Software{}, logging.GetLogger())
	if err != nil {
		return nil, err
	}
	// One spare byte lets the trailer parser read past an odd signature length
	buf := append(bytes.Clone(img), 0)
	slot := nvm.Region{Name: "file", Start: 0, Length: uint32(len(buf))}
	return v.Verify(bytes.NewReader(buf), slot)
}
