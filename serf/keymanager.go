package serf

import (
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// keyManager drives the install-key/use-key/remove-key/list-keys internal
// queries against the cluster on behalf of Serf's public API.
type keyManager struct {
	*Serf
}

// ModifyKeyResponse relays the outcome of a keyring change fanned out to
// every member.
type ModifyKeyResponse struct {
	Messages   map[string]string // node name -> response or failure message
	TotalNodes int               // nodes that responded
}

// ListKeysResponse relays a keyring inventory gathered from every member.
type ListKeysResponse struct {
	Messages   map[string]string
	TotalNodes int

	// Keys maps a base64-encoded key to the number of members reporting
	// it installed.
	Keys map[string]int
}

// KeyManager returns the keyManager bound to this Serf instance.
func (s *Serf) KeyManager() *keyManager {
	return &keyManager{s}
}

// keyQueryResult is one member's decoded reply to a key-management query,
// alongside the name it came from.
type keyQueryResult struct {
	from string
	nodeKeyResponse
}

// runKeyQuery fans the named internal query out to the cluster and decodes
// every reply into a keyQueryResult, folding failures into resp.Messages as
// it goes. verb labels the query in any "invalid response" messages. The
// four public operations below differ only in the query name, the payload,
// and what they do with a successful keyQueryResult, so this is the one
// place that understands the query/response wire shape and the
// total-members bookkeeping.
func (k *keyManager) runKeyQuery(verb, name string, payload []byte) ([]keyQueryResult, *ModifyKeyResponse, error) {
	resp := &ModifyKeyResponse{Messages: make(map[string]string)}

	queryResp, err := k.Query(internalQueryName(name), payload, &QueryParam{})
	if err != nil {
		return nil, nil, err
	}

	var ok []keyQueryResult
	var failures *multierror.Error
	for r := range queryResp.respCh {
		resp.TotalNodes++

		var decoded nodeKeyResponse
		var nodeErr error
		switch {
		case len(r.Payload) < 1 || messageType(r.Payload[0]) != messageKeyResponseType:
			nodeErr = fmt.Errorf("invalid %s response: %v", verb, r.Payload)
		case decodeMessage(r.Payload[1:], &decoded) != nil:
			nodeErr = fmt.Errorf("failed to decode %s response: %v", verb, r.Payload)
		case !decoded.Result:
			nodeErr = fmt.Errorf("%s", decoded.Message)
		}

		if nodeErr != nil {
			resp.Messages[r.From] = nodeErr.Error()
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", r.From, nodeErr))
			continue
		}
		ok = append(ok, keyQueryResult{from: r.From, nodeKeyResponse: decoded})
	}

	total := k.memberlist.NumMembers()
	switch {
	case failures.ErrorOrNil() != nil:
		err = fmt.Errorf("%d/%d nodes reported failure: %w", len(failures.Errors), total, failures)
	case resp.TotalNodes != total:
		err = fmt.Errorf("%d/%d nodes reported success", resp.TotalNodes, total)
	}
	return ok, resp, err
}

func decodeRingKey(key string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(key)
}

// InstallKey broadcasts a new key for every member to add to its keyring,
// without changing anyone's primary encryption key.
func (k *keyManager) InstallKey(key string) (*ModifyKeyResponse, error) {
	rawKey, err := decodeRingKey(key)
	if err != nil {
		return nil, err
	}
	_, resp, err := k.runKeyQuery("install-key", installKeyQuery, rawKey)
	return resp, err
}

// UseKey broadcasts a change of primary encryption key. The key must
// already be installed on every member via InstallKey.
func (k *keyManager) UseKey(key string) (*ModifyKeyResponse, error) {
	rawKey, err := decodeRingKey(key)
	if err != nil {
		return nil, err
	}
	_, resp, err := k.runKeyQuery("use-key", useKeyQuery, rawKey)
	return resp, err
}

// RemoveKey broadcasts removal of a key from every member's keyring. A key
// currently in use as the primary key cannot be removed.
func (k *keyManager) RemoveKey(key string) (*ModifyKeyResponse, error) {
	rawKey, err := decodeRingKey(key)
	if err != nil {
		return nil, err
	}
	_, resp, err := k.runKeyQuery("remove-key", removeKeyQuery, rawKey)
	return resp, err
}

// ListKeys gathers the keyring installed on every member and tallies how
// many members report each key.
func (k *keyManager) ListKeys() (*ListKeysResponse, error) {
	results, resp, err := k.runKeyQuery("list-keys", listKeysQuery, nil)

	out := &ListKeysResponse{Keys: make(map[string]int)}
	if resp != nil {
		out.Messages = resp.Messages
		out.TotalNodes = resp.TotalNodes
	}
	for _, r := range results {
		for _, key := range r.Keys {
			out.Keys[key]++
		}
	}
	return out, err
}
