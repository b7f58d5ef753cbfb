package peer

import (
	"encoding/json"

	"github.com/TheNoobiCat/go-libp2p-core/core/protocol"
)

// Helper struct for decoding; PrivateKey is never serialized.
type addrInfoJSON struct {
	ID        ID
	Addrs     []string
	Protocols []string
}

func (pi AddrInfo) MarshalJSON() ([]byte, error) {
	protos := make([]string, len(pi.Protocols))
	for i, p := range pi.Protocols {
		protos[i] = string(p)
	}
	return json.Marshal(&addrInfoJSON{
		ID:        pi.ID,
		Addrs:     pi.Addrs,
		Protocols: protos,
	})
}

func (pi *AddrInfo) UnmarshalJSON(b []byte) error {
	var data addrInfoJSON
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	pi.ID = data.ID
	pi.Addrs = data.Addrs
	pi.Protocols = nil
	for _, p := range data.Protocols {
		pi.Protocols = append(pi.Protocols, protocol.ID(p))
	}
	return nil
}
