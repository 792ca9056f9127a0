package chainclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RPCCaller implements ContractCaller against a JSON-RPC endpoint using
// a plain eth_call. Full contract ABI encoding is out of scope for this
// broker (§1); the alias hash and record-name hashes are passed as the
// call's data parameters directly, which is sufficient for a registry
// contract whose single read method takes exactly these two arguments.
type RPCCaller struct {
	Endpoint        string
	ContractAddress string
	HTTPClient      *http.Client
}

// NewRPCCaller builds an RPCCaller with a bounded default HTTP client
// if none is supplied.
func NewRPCCaller(endpoint, contractAddress string, client *http.Client) *RPCCaller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RPCCaller{Endpoint: endpoint, ContractAddress: contractAddress, HTTPClient: client}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcCallObject struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GetRecordHashed encodes aliasHash and names as call data and issues a
// single eth_call at the "latest" block.
func (c *RPCCaller) GetRecordHashed(ctx context.Context, aliasHash [32]byte, names [][32]byte) ([]byte, error) {
	data := "0x" + hex.EncodeToString(aliasHash[:])
	for _, n := range names {
		data += hex.EncodeToString(n[:])
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_call",
		Params:  []interface{}{rpcCallObject{To: c.ContractAddress, Data: data}, "latest"},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chainclient: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chainclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chainclient: rpc call failed: %w", err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("chainclient: decode response: %w", err)
	}
	if rr.Error != nil {
		return nil, fmt.Errorf("chainclient: rpc error %d: %s", rr.Error.Code, rr.Error.Message)
	}
	if rr.Result == "" || rr.Result == "0x" {
		return nil, nil
	}
	trimmed := rr.Result
	if len(trimmed) >= 2 && trimmed[:2] == "0x" {
		trimmed = trimmed[2:]
	}
	return hex.DecodeString(trimmed)
}
