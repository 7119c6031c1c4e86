package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const loginPrefix = "Sign in to the Undas marketplace. This request will not trigger a transaction. Nonce: "

var ErrSignatureMismatch = errors.New("signature does not match address")

// NewNonce returns a random hex nonce for a login challenge.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// LoginMessage is the text a wallet signs with personal_sign to log in.
func LoginMessage(nonce string) string {
	return loginPrefix + nonce
}

// VerifyPersonalSignature checks an EIP-191 personal_sign signature of
// message against the claimed signer.
func VerifyPersonalSignature(message string, signature string, signer common.Address) error {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	recovered, err := ecRecover(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return err
	}
	if recovered != signer {
		return ErrSignatureMismatch
	}
	return nil
}

// ecRecover returns the address that produced sig over hash. Both 0/1 and
// 27/28 recovery ids are accepted.
func ecRecover(hash []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes long", crypto.SignatureLength)
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	if sig[crypto.RecoveryIDOffset] != 27 && sig[crypto.RecoveryIDOffset] != 28 {
		return common.Address{}, fmt.Errorf("invalid signature recovery id")
	}
	sig[crypto.RecoveryIDOffset] -= 27

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
