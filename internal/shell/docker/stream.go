package docker

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
)

// streamAux collects the auxiliary records emitted by build and push.
type streamAux struct {
	ID     string `json:"ID"`
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
	Size   int64  `json:"Size"`
}

type streamResult struct {
	aux streamAux
	log strings.Builder
}

// readStream drains a daemon progress stream. The first error record ends
// the stream and is returned as the stream's error.
func readStream(r io.Reader) (*streamResult, error) {
	res := &streamResult{}
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return res, err
		}
		if msg.Error != nil {
			return res, errors.New(msg.Error.Message)
		}
		if msg.Stream != "" {
			res.log.WriteString(msg.Stream)
		}
		if msg.Aux != nil {
			var aux streamAux
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil {
				if aux.ID != "" {
					res.aux.ID = aux.ID
				}
				if aux.Digest != "" {
					res.aux.Tag, res.aux.Digest, res.aux.Size = aux.Tag, aux.Digest, aux.Size
				}
			}
		}
	}
}
