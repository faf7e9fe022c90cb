package api

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

// PrivateKeyEnv is the only place the signing key is read from
const PrivateKeyEnv = "POLYMARKET_PRIVATE_KEY"

const clobAuthMessage = "This message attests that I control the given wallet"

// Auth holds the wallet key used for L1 headers and order signatures
type Auth struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	now        func() time.Time
}

// NewAuth parses a hex private key, with or without 0x
func NewAuth(hexKey string, chainID int64) (*Auth, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("private key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// never echo the key material back
		return nil, errors.New("private key is not a valid secp256k1 hex key")
	}
	if chainID == 0 {
		chainID = 137
	}
	return &Auth{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		now:        time.Now,
	}, nil
}

// NewAuthFromEnv reads POLYMARKET_PRIVATE_KEY
func NewAuthFromEnv(chainID int64) (*Auth, error) {
	key := os.Getenv(PrivateKeyEnv)
	if key == "" {
		return nil, errors.Errorf("%s is not set", PrivateKeyEnv)
	}
	return NewAuth(key, chainID)
}

// GetAddress returns the signer address
func (a *Auth) GetAddress() common.Address {
	return a.address
}

// SignRequest builds the L1 headers: an EIP-712 ClobAuth signature over the
// address, a timestamp and nonce 0
func (a *Auth) SignRequest() (map[string]string, error) {
	ts := strconv.FormatInt(a.now().Unix(), 10)
	nonce := int64(0)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(a.chainID),
		},
		Message: map[string]interface{}{
			"address":   a.address.Hex(),
			"timestamp": ts,
			"nonce":     big.NewInt(nonce),
			"message":   clobAuthMessage,
		},
	}

	sig, err := a.signTypedData(typedData)
	if err != nil {
		return nil, errors.Wrap(err, "sign clob auth")
	}

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": ts,
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}, nil
}

func (a *Auth) signTypedData(typedData apitypes.TypedData) (string, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", errors.Wrap(err, "hash typed data")
	}
	signature, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return "", errors.Wrap(err, "sign")
	}
	// Adjust v value
	signature[64] += 27
	return "0x" + hex.EncodeToString(signature), nil
}
