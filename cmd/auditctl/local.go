package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/auditledger/internal/block"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the authority key pair in identity.key_dir",
	Long: `keygen creates authority.key and authority.pub. It refuses to replace an
existing key: every signature on the chain depends on it.

Set identity.passphrase (AUDIT_IDENTITY_PASSPHRASE) to seal the private key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		km := identity.NewKeyManager(cfg.Identity.KeyDir, cfg.Identity.Passphrase)
		if err := km.Create(); err != nil {
			if errors.Is(err, identity.ErrKeyExists) {
				return fmt.Errorf("%w in %s; remove it deliberately to rotate", err, cfg.Identity.KeyDir)
			}
			return err
		}
		fmt.Printf("Authority key created in %s\n", cfg.Identity.KeyDir)
		fmt.Printf("  key id:     %s\n", identity.KeyID(&km.Key().PublicKey))
		fmt.Printf("  public key: %s\n", filepath.Join(cfg.Identity.KeyDir, "authority.pub"))
		fmt.Printf("  sealed:     %t\n", cfg.Identity.Passphrase != "")
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenActor string
	tokenAny   bool
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token --actor <name>",
	Short: "Issue an appender token signed by the authority key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		km := identity.NewKeyManager(cfg.Identity.KeyDir, cfg.Identity.Passphrase)
		if err := km.Load(); err != nil {
			return fmt.Errorf("load authority key: %w", err)
		}
		ttl := cfg.Identity.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		scopes := []string{identity.ScopeAppend}
		if tokenAny {
			scopes = append(scopes, identity.ScopeAppendAny)
		}
		tok, err := identity.NewTokenIssuer(km.Key(), cfg.Identity.Issuer, ttl).Issue(tokenActor, scopes)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenActor, "actor", "", "actor recorded on appended blocks (token subject)")
	tokenCmd.Flags().BoolVar(&tokenAny, "any-actor", false, "allow appending on behalf of any actor")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default identity.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("actor")
}

// ── export ───────────────────────────────────────────────────────────────────

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the stored chain as one JSON document",
	Long: `export reads the chain straight from the configured store (any driver) and
writes it as an indented JSON array. Run it against a stopped auditd or a
replica; it does not take the server's append lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		cfg.Storage.Migrate = false
		store, err := ledger.OpenStore(ctx, cfg.Storage, cliLogger())
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		blocks, err := store.Load(ctx)
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := ledger.ExportJSON(w, blocks); err != nil {
			return err
		}
		if w != os.Stdout {
			fmt.Fprintf(os.Stderr, "exported %d blocks to %s\n", len(blocks), exportOut)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "-", "output file (- for stdout)")
}

// ── verify-file ──────────────────────────────────────────────────────────────

var (
	verifyPubKey     string
	verifyDifficulty int
)

var verifyFileCmd = &cobra.Command{
	Use:   "verify-file <chain.json|chain.jsonl>",
	Short: "Verify an exported or JSON Lines chain offline",
	Long: `verify-file checks every block of a chain file without a server: linkage,
Merkle roots, hashes, proof of work and signatures against --pubkey.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pubPath := verifyPubKey
		if pubPath == "" {
			pubPath = filepath.Join(cfg.Identity.KeyDir, "authority.pub")
		}
		pubPEM, err := os.ReadFile(pubPath)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		pub, err := identity.ParsePublicKeyPEM(pubPEM)
		if err != nil {
			return err
		}
		difficulty := cfg.Ledger.Difficulty
		if cmd.Flags().Changed("difficulty") {
			difficulty = verifyDifficulty
		}

		blocks, err := readChainFile(args[0])
		if err != nil {
			return err
		}
		if err := ledger.ValidateChain(blocks, difficulty, true, verifierFor(pub)); err != nil {
			return err
		}
		fmt.Printf("OK: %d blocks, tip %s\n", len(blocks), blocks[len(blocks)-1].Hash)
		return nil
	},
}

func init() {
	verifyFileCmd.Flags().StringVar(&verifyPubKey, "pubkey", "", "authority public key PEM (default <identity.key_dir>/authority.pub)")
	verifyFileCmd.Flags().IntVar(&verifyDifficulty, "difficulty", 4, "proof-of-work difficulty (default ledger.difficulty)")
}

func verifierFor(pub *ecdsa.PublicKey) func(digest, signature string) bool {
	return func(digest, signature string) bool {
		return identity.VerifySignature(pub, digest, signature)
	}
}

// readChainFile accepts either an exported JSON array or a JSON Lines file.
func readChainFile(path string) ([]*block.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	br := bufio.NewReader(f)
	head, err := br.Peek(1)
	for err == nil && len(bytes.TrimSpace(head)) == 0 {
		if _, err = br.ReadByte(); err == nil {
			head, err = br.Peek(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if head[0] == '[' {
		return ledger.ReadJSON(br)
	}

	store, err := ledger.NewFileStore(path)
	if err != nil {
		return nil, err
	}
	defer store.Close() //nolint:errcheck
	return store.Load(context.Background())
}
