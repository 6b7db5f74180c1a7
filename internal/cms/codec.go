package cms

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// maxDocumentBytes bounds a single exported document.
const maxDocumentBytes = 4 << 20

func decodeEntity(r io.Reader) (*Entity, error) {
	var e Entity
	if err := decodeDocument(r, &e); err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.ID) == "" {
		return nil, xerrors.New("entity document has no id")
	}
	return &e, nil
}

func decodeMedia(r io.Reader) (*MediaRecord, error) {
	var m MediaRecord
	if err := decodeDocument(r, &m); err != nil {
		return nil, err
	}
	if m.Properties == nil {
		m.Properties = map[string]any{}
	}
	return &m, nil
}

// DecodeEvent reads a PublishEvent document.
func DecodeEvent(r io.Reader) (*PublishEvent, error) {
	var ev PublishEvent
	if err := decodeDocument(r, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func decodeDocument(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return xerrors.Wrap(err, "read document")
	}
	if len(data) > maxDocumentBytes {
		return xerrors.Newf("document exceeds %d bytes", maxDocumentBytes)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return xerrors.Wrap(err, "decode document")
	}
	return nil
}
