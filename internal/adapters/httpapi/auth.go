package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
)

// Roles aceptados en el claim "role" del token.
const (
	RoleHost  = "host"
	RoleAdmin = "admin"
)

type ctxKey int

const subjectKey ctxKey = 0

// IssueToken firma un token HS256 para subject con el rol dado.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("httpapi: empty signing secret")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// verifyToken valida firma, expiración y rol. admin satisface cualquier rol.
func (s *Server) verifyToken(r *http.Request, role string) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errors.New("bearer token required")
	}
	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("token parse error: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}

	got, _ := claims["role"].(string)
	if got != role && got != RoleAdmin {
		return "", fmt.Errorf("role %q required", role)
	}
	sub, _ := claims.GetSubject()
	return sub, nil
}

func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.JWTSecret == "" {
				respondError(w, http.StatusServiceUnavailable, "auth not configured")
				return
			}
			sub, err := s.verifyToken(r, role)
			if err != nil {
				respondError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, sub)))
		})
	}
}

// Digests que firman los operadores. Sin prefijo EIP-191: keccak256 sobre los
// campos empaquetados, precedidos por el nombre de la acción.

// CommitDigest es lo que firma un bidder al enviar su commitment.
func CommitDigest(id domain.AuctionID, bidder common.Address, commitment common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("commit"), id.Bytes(), bidder.Bytes(), commitment.Bytes())
}

// RevealDigest es lo que firma un bidder al revelar.
func RevealDigest(id domain.AuctionID, bidder common.Address, amount *uint256.Int, secret common.Hash) common.Hash {
	amt := amount.Bytes32()
	return crypto.Keccak256Hash([]byte("reveal"), id.Bytes(), bidder.Bytes(), amt[:], secret.Bytes())
}

// ClaimDigest es lo que firma una cuenta al reclamar.
func ClaimDigest(pool domain.PoolID, account common.Address) common.Hash {
	return crypto.Keccak256Hash([]byte("claim"), pool.Bytes(), account.Bytes())
}

// verifySigner comprueba que sigHex (65 bytes, v en 0/1 o 27/28) sobre digest
// lo firmó expected. Si las firmas están desactivadas no hace nada.
func (s *Server) verifySigner(digest common.Hash, sigHex string, expected common.Address) error {
	if !s.cfg.RequireSignatures {
		return nil
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature: want %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("signature: recover: %w", err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != expected {
		return fmt.Errorf("signature: signed by %s, not %s", signer.Hex(), expected.Hex())
	}
	return nil
}
