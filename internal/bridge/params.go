package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// Commitment is how finalized state must be before it is reported
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Encoding of account data in notifications
type Encoding string

const (
	EncodingBase64     Encoding = "base64"
	EncodingBase58     Encoding = "base58"
	EncodingJSONParsed Encoding = "jsonParsed"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

const (
	pubkeyLen    = 32
	signatureLen = 64
)

// LogsFilter selects which transaction logs to subscribe to. Exactly
// one of All or Mentions must be set.
type LogsFilter struct {
	All      bool
	Mentions []string
}

func validateCommitment(c Commitment) error {
	switch c {
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return nil
	default:
		return &InvalidParamsError{Field: "commitment", Reason: fmt.Sprintf("unknown commitment %q", c)}
	}
}

func validateEncoding(e Encoding) error {
	switch e {
	case EncodingBase64, EncodingBase58, EncodingJSONParsed, EncodingBase64Zstd:
		return nil
	default:
		return &InvalidParamsError{Field: "encoding", Reason: fmt.Sprintf("unknown encoding %q", e)}
	}
}

// validateBase58 checks that s decodes as base58 to exactly wantLen bytes
func validateBase58(field, s string, wantLen int) error {
	if s == "" {
		return &InvalidParamsError{Field: field, Reason: "must not be empty"}
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return &InvalidParamsError{Field: field, Reason: "not valid base58"}
	}
	if len(raw) != wantLen {
		return &InvalidParamsError{Field: field, Reason: fmt.Sprintf("decodes to %d bytes, want %d", len(raw), wantLen)}
	}
	return nil
}

func validatePubkey(field, pubkey string) error {
	return validateBase58(field, pubkey, pubkeyLen)
}

func validateSignature(signature string) error {
	return validateBase58("signature", signature, signatureLen)
}

func validateLogsFilter(f LogsFilter) error {
	if f.All == (len(f.Mentions) > 0) {
		return &InvalidParamsError{Field: "filter", Reason: "exactly one of all or mentions must be set"}
	}
	for _, m := range f.Mentions {
		if err := validatePubkey("mentions", m); err != nil {
			return err
		}
	}
	return nil
}

// accountParams builds the accountSubscribe/programSubscribe params array
func accountParams(pubkey string, commitment Commitment, encoding Encoding) json.RawMessage {
	params, _ := json.Marshal([]interface{}{
		pubkey,
		map[string]string{
			"encoding":   string(encoding),
			"commitment": string(commitment),
		},
	})
	return params
}

// signatureParams builds the signatureSubscribe params array
func signatureParams(signature string, commitment Commitment) json.RawMessage {
	params, _ := json.Marshal([]interface{}{
		signature,
		map[string]string{"commitment": string(commitment)},
	})
	return params
}

// logsParams builds the logsSubscribe params array
func logsParams(filter LogsFilter, commitment Commitment) json.RawMessage {
	var criteria interface{}
	if filter.All {
		criteria = "all"
	} else {
		criteria = map[string][]string{"mentions": filter.Mentions}
	}
	params, _ := json.Marshal([]interface{}{
		criteria,
		map[string]string{"commitment": string(commitment)},
	})
	return params
}
