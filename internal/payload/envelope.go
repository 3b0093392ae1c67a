package payload

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the output of Seal: ciphertext, nonce, tag and the id of the key used.
type Envelope struct {
	KeyID      string
	IV         []byte
	AuthTag    []byte
	Ciphertext []byte
}

// envelopeJSON keeps the hex field layout of records written before key ids existed.
type envelopeJSON struct {
	KeyID         string `json:"keyId,omitempty"`
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	EncryptedData string `json:"encryptedData"`
}

// envelopeCBOR is the compact form written to cold storage.
type envelopeCBOR struct {
	Version    uint8  `cbor:"1,keyasint"`
	KeyID      string `cbor:"2,keyasint,omitempty"`
	IV         []byte `cbor:"3,keyasint"`
	AuthTag    []byte `cbor:"4,keyasint"`
	Ciphertext []byte `cbor:"5,keyasint"`
}

const envelopeVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("payload: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("payload: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalJSON encodes byte fields as hex.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		KeyID:         e.KeyID,
		IV:            hex.EncodeToString(e.IV),
		AuthTag:       hex.EncodeToString(e.AuthTag),
		EncryptedData: hex.EncodeToString(e.Ciphertext),
	})
}

// UnmarshalJSON decodes the hex layout. Bad hex is reported as an integrity failure.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	iv, err1 := hex.DecodeString(raw.IV)
	tag, err2 := hex.DecodeString(raw.AuthTag)
	ct, err3 := hex.DecodeString(raw.EncryptedData)
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("%w: envelope is not valid hex", ErrIntegrityCheckFailed)
	}
	*e = Envelope{KeyID: raw.KeyID, IV: iv, AuthTag: tag, Ciphertext: ct}
	return nil
}

// MarshalBinary encodes the envelope as deterministic CBOR.
func (e Envelope) MarshalBinary() ([]byte, error) {
	return encMode.Marshal(envelopeCBOR{
		Version:    envelopeVersion,
		KeyID:      e.KeyID,
		IV:         e.IV,
		AuthTag:    e.AuthTag,
		Ciphertext: e.Ciphertext,
	})
}

// UnmarshalBinary decodes an envelope written by MarshalBinary.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	var raw envelopeCBOR
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityCheckFailed, err)
	}
	if raw.Version != envelopeVersion {
		return fmt.Errorf("%w: unsupported envelope version %d", ErrIntegrityCheckFailed, raw.Version)
	}
	*e = Envelope{KeyID: raw.KeyID, IV: raw.IV, AuthTag: raw.AuthTag, Ciphertext: raw.Ciphertext}
	return nil
}
