// Package client is the Go SDK for an auditledger server.
//
// Reading the chain is public:
//
//	c, _ := client.New("http://localhost:8080")
//	ov, err := c.Overview(ctx)
//	fmt.Println(ov.Entries, ov.Root)
//
// Appending needs an appender token issued by the ledger authority
// (auditctl token):
//
//	c, _ := client.New(serverURL, client.WithBearerToken(token))
//	b, err := c.Append(ctx, client.AppendRequest{
//	    EventType:   "INVOICE_UPLOADED",
//	    ReferenceID: "INV-001",
//	    Payload:     json.RawMessage(`{"amount":125000,"currency":"INR"}`),
//	})
//
// Blocks are immutable once sealed, so GetBlock results can be cached with
// WithCacheTTL.
//
// Proofs returned by Proof can be checked offline with merkle.VerifyProof,
// and signatures with the key returned by PublicKey.
package client
