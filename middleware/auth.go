package middleware

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"
	"github.com/tv42/zbase32"
)

const (
	ADMIN_PUBKEY_CONTEXT_KEY = "admin_pubkey"

	RequestTimeHeader = "X-Request-Time"
	SignatureHeader   = "X-Signature"
)

// MaxRequestAge bounds how far X-Request-Time may be from the server clock.
const MaxRequestAge = 5 * time.Minute

var ErrInvalidSignature = errors.New("invalid signature")
var ErrStaleRequest = errors.New("request time is out of range")
var SignedMsgPrefix = []byte("datasync:")

func checkApiKey(caCert *x509.Certificate, r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("invalid auth header")
	}

	apiKey := authHeader[7:]
	block, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil {
		return fmt.Errorf("could not decode auth header: %v", err)
	}

	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %v", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(caCert)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: rootPool,
	})
	if err != nil {
		return fmt.Errorf("certificate verification error: %v", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(caCert) {
		return fmt.Errorf("certificate verification error: invalid chain of trust")
	}

	return nil
}

// SignedRequestMessage is the text an admin client signs for a request.
func SignedRequestMessage(method, path string, requestTime int64) string {
	return fmt.Sprintf("%v-%v-%v", method, path, requestTime)
}

// Authenticate checks the client certificate and the request signature and
// returns the hex encoded public key that signed the request.
func Authenticate(caCert *x509.Certificate, r *http.Request, now time.Time) (string, error) {
	if err := checkApiKey(caCert, r); err != nil {
		return "", err
	}

	requestTime, err := strconv.ParseInt(r.Header.Get(RequestTimeHeader), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid %s header: %w", RequestTimeHeader, err)
	}
	age := now.Sub(time.Unix(requestTime, 0))
	if age > MaxRequestAge || age < -MaxRequestAge {
		return "", ErrStaleRequest
	}

	toVerify := SignedRequestMessage(r.Method, r.URL.Path, requestTime)
	pubkey, err := VerifyMessage([]byte(toVerify), r.Header.Get(SignatureHeader))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pubkey.SerializeCompressed()), nil
}

// RequireAdmin rejects requests that fail Authenticate. Without a CA every
// request passes.
func RequireAdmin(caCert *x509.Certificate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if caCert == nil {
			c.Next()
			return
		}
		pubkey, err := Authenticate(caCert, c.Request, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ADMIN_PUBKEY_CONTEXT_KEY, pubkey)
		c.Next()
	}
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(append([]byte{}, SignedMsgPrefix...), msg...)
	digest := chainhash.DoubleHashB(message)
	signture, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	sig := zbase32.EncodeToString(signture)
	return sig, nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := append(append([]byte{}, SignedMsgPrefix...), message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
