package hooks

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// Subversion has no client-side hook transport, so operation context is
// smuggled to the server through the commit transaction itself: the
// create-txn-with-props request body gets an extra rc-scm-extras property
// holding the serialized extras, and the transaction name returned by the
// server binds the operation to its callback daemon.

const (
	createTxnPrefix = "(create-txn-with-props"
	txnNameHeader   = "SVN-Txn-name"
	extrasProperty  = "rc-scm-extras"
)

// IsCommitRequest reports whether an incoming subversion HTTP request opens
// a commit transaction that must be rewritten.
func IsCommitRequest(r *http.Request) bool {
	return r.Method == http.MethodPost || r.Method == "MKCOL"
}

// RewriteTxnBody injects the serialized extras into a create-txn-with-props
// skel body. Bodies that do not open a transaction pass through unchanged.
// The property is spliced in before the closing terminator, keeping the skel
// well-formed for the server.
func RewriteTxnBody(body []byte, extras Extras) ([]byte, bool, error) {
	const op = "hooks.RewriteTxnBody"

	if !bytes.HasPrefix(body, []byte(createTxnPrefix)) {
		return body, false, nil
	}

	payload, err := json.Marshal(extras)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	encoded := base64.URLEncoding.EncodeToString(payload)

	trimmed := bytes.TrimRight(body, " \r\n")
	if !bytes.HasSuffix(trimmed, []byte("))")) {
		return nil, false, fmt.Errorf("%s: transaction body is not a property skel", op)
	}

	prop := fmt.Sprintf(" %d:%s %d:%s ", len(extrasProperty), extrasProperty, len(encoded), encoded)
	out := make([]byte, 0, len(trimmed)+len(prop))
	out = append(out, trimmed[:len(trimmed)-2]...)
	out = append(out, prop...)
	out = append(out, "))"...)
	return out, true, nil
}

// CaptureTxn reads the transaction name assigned by the subversion server
// from the response headers and registers the transaction in the sidecar
// store, so the commit's hook daemon can be found later. Returns the
// integrity key, or "" when the response carries no transaction.
func CaptureTxn(store *TxnStore, repository string, header http.Header, port int) (string, error) {
	const op = "hooks.CaptureTxn"

	txnName := header.Get(txnNameHeader)
	if txnName == "" {
		return "", nil
	}
	key := TxnKey(repository, txnName)
	if err := store.Store(key, port); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return key, nil
}
