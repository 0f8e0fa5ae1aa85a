package chain

import (
	"bytes"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertReason extracts a human-readable revert reason from an RPC error.
// Error(string) payloads are unpacked; custom errors are resolved by selector
// against contract. Returns "" when err carries no revert data.
func RevertReason(err error, contract abi.ABI) string {
	if err == nil {
		return ""
	}
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert.Reason
	}

	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		// bind flattens gas estimation failures into plain text.
		msg := err.Error()
		if i := strings.Index(msg, "execution reverted: "); i >= 0 {
			return msg[i+len("execution reverted: "):]
		}
		return ""
	}
	data, ok := revertData(dataErr.ErrorData())
	if !ok || len(data) < 4 {
		return trimExecutionReverted(dataErr.Error())
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	for name, e := range contract.Errors {
		if bytes.Equal(e.ID[:4], data[:4]) {
			return name
		}
	}
	return trimExecutionReverted(dataErr.Error())
}

func revertData(v interface{}) ([]byte, bool) {
	switch d := v.(type) {
	case string:
		b, err := hexutil.Decode(d)
		if err != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return d, true
	default:
		return nil, false
	}
}

func trimExecutionReverted(msg string) string {
	msg = strings.TrimPrefix(msg, "execution reverted: ")
	if msg == "execution reverted" {
		return ""
	}
	return msg
}
