package attestation

import (
	"bytes"
	"context"
	"encoding/base64"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CVMAttestor mints a token by shelling out to the platform's guest
// attestation binary rather than linking against it directly. The binary
// wraps the confidential-VM vendor's attestation library (azguestattestation
// on Azure CVMs) and is expected to accept three positional arguments —
// base64 app data, decimal PCR selector, endpoint URL — and print the raw
// token to stdout on success.
//
// This mirrors the FFI contract of the vendor's C library
// (get_attestation_token(app_data, pcr_sel, jwt, jwt_len, endpoint_url))
// without requiring cgo: the binary is a thin wrapper the CVM image ships
// with, invoked once per Attest call.
type CVMAttestor struct {
	binaryPath string
	logger     *zap.SugaredLogger
}

// NewCVMAttestor returns an Attestor that execs binaryPath for every call.
func NewCVMAttestor(binaryPath string, logger *zap.SugaredLogger) *CVMAttestor {
	return &CVMAttestor{binaryPath: binaryPath, logger: logger}
}

func (a *CVMAttestor) Attest(ctx context.Context, appData []byte, pcrSelector uint32, endpoint string) (Token, error) {
	encoded := base64.StdEncoding.EncodeToString(appData)

	cmd := exec.CommandContext(ctx, a.binaryPath,
		encoded,
		strconv.FormatUint(uint64(pcrSelector), 10),
		endpoint,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		a.logger.Warnw("attestation binary failed", "error", err, "stderr", stderr.String())
		return nil, errors.Wrapf(ErrAttestationUnavailable, "%s: %s", err, stderr.String())
	}

	token := bytes.TrimSpace(stdout.Bytes())
	if len(token) == 0 {
		return nil, errors.Wrap(ErrAttestationUnavailable, "attestation binary produced no token")
	}

	return Token(token), nil
}

