package hsm

import "context"

// Service is the PIN-translate / MAC-verify collaborator the processing
// stage (C9) calls through. A real implementation talks to a hardware
// security module over its own wire protocol; this package only defines
// the contract.
type Service interface {
	// TranslatePIN re-encrypts a PIN block from the acquirer's working
	// key to the switch's working key for the given account.
	TranslatePIN(ctx context.Context, pinBlock, accountID string) (string, error)
	// VerifyMAC checks message authentication code mac against body.
	VerifyMAC(ctx context.Context, body []byte, mac string) (bool, error)
	// GenerateMAC computes the message authentication code for body.
	GenerateMAC(ctx context.Context, body []byte) (string, error)
}
