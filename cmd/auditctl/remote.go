package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/auditledger/pkg/client"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendEventType string
	appendRef       string
	appendActor     string
	appendPayload   string
	appendFile      string
)

var appendCmd = &cobra.Command{
	Use:   "append --event-type <type> --ref <id> (--payload <json> | --file <path|->)",
	Short: "Append an event to the ledger",
	Long: `append records one event. The payload must be a JSON document; the server
canonicalizes it, so key order and whitespace do not affect the digest.

  auditctl append --event-type INVOICE_UPLOADED --ref INV-001 \
      --payload '{"amount":125000,"currency":"INR"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.Append(context.Background(), client.AppendRequest{
			EventType:   appendEventType,
			ReferenceID: appendRef,
			Actor:       appendActor,
			Payload:     payload,
		})
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendEventType, "event-type", "", "event type, e.g. INVOICE_UPLOADED")
	appendCmd.Flags().StringVar(&appendRef, "ref", "", "reference id, e.g. INV-001")
	appendCmd.Flags().StringVar(&appendActor, "actor", "", "actor (default: token subject)")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "JSON payload")
	appendCmd.Flags().StringVar(&appendFile, "file", "", "read the JSON payload from a file (- for stdin)")
	_ = appendCmd.MarkFlagRequired("event-type")
	_ = appendCmd.MarkFlagRequired("ref")
	appendCmd.MarkFlagsMutuallyExclusive("payload", "file")
}

func readPayload() (json.RawMessage, error) {
	switch {
	case appendPayload != "":
		return json.RawMessage(appendPayload), nil
	case appendFile == "-":
		b, err := io.ReadAll(os.Stdin)
		return json.RawMessage(b), err
	case appendFile != "":
		b, err := os.ReadFile(appendFile)
		return json.RawMessage(b), err
	default:
		return nil, fmt.Errorf("one of --payload or --file is required")
	}
}

// ── chain / block / history ──────────────────────────────────────────────────

var chainFormat string

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "List every block",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		blocks, err := c.Chain(context.Background())
		if err != nil {
			return err
		}
		return printBlocks(blocks)
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <index>",
	Short: "Show one block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid index %q", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.GetBlock(context.Background(), idx)
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <reference-id>",
	Short: "List the blocks recorded under one reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		blocks, err := c.History(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printBlocks(blocks)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{chainCmd, historyCmd} {
		cmd.Flags().StringVar(&chainFormat, "format", "text", "Output format: text or json")
	}
}

func printBlocks(blocks []client.Block) error {
	if chainFormat == "json" {
		return printJSON(blocks)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tEVENT\tREFERENCE\tACTOR\tTIMESTAMP\tHASH")
	for _, b := range blocks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			b.Index, b.EventType, b.ReferenceID, b.Actor,
			b.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"), b.Hash)
	}
	return w.Flush()
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Ask the server to re-validate the whole chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Verify(context.Background())
		if err != nil {
			return err
		}
		if !res.Valid {
			if res.Index != nil {
				return fmt.Errorf("chain invalid at block %d: %s", *res.Index, res.Error)
			}
			return fmt.Errorf("chain invalid: %s", res.Error)
		}
		fmt.Printf("OK: %d blocks verified\n", res.Entries)
		return nil
	},
}

// ── proof ────────────────────────────────────────────────────────────────────

var proofCmd = &cobra.Command{
	Use:   "proof <index> <leaf-hash>",
	Short: "Fetch a Merkle inclusion proof and check it locally",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid index %q", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		p, err := c.Proof(ctx, idx, args[1])
		if err != nil {
			return err
		}
		b, err := c.GetBlock(ctx, idx)
		if err != nil {
			return err
		}
		if p.MerkleRoot != b.MerkleRoot {
			return fmt.Errorf("proof root %s does not match block root %s", p.MerkleRoot, b.MerkleRoot)
		}
		if !merkle.VerifyProof(args[1], p.Proof, b.MerkleRoot) {
			return fmt.Errorf("proof does not verify against block %d", idx)
		}
		if err := printJSON(p); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "proof verified")
		return nil
	},
}
