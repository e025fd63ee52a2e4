package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveToken returns the configured token. The value "auto" (or rotate set)
// generates a fresh token, which is written to file when file is not empty.
func ResolveToken(raw string, rotate bool, file string) (string, error) {
	token := strings.TrimSpace(raw)
	if strings.EqualFold(token, "auto") {
		rotate = true
	}
	if !rotate {
		return token, nil
	}
	generated, err := generateRPCToken()
	if err != nil {
		return "", fmt.Errorf("generate rpc token: %w", err)
	}
	if err := persistRPCToken(file, generated); err != nil {
		return "", fmt.Errorf("persist rpc token: %w", err)
	}
	return generated, nil
}

func generateRPCToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rpc_" + hex.EncodeToString(buf), nil
}

func persistRPCToken(file, token string) error {
	file = strings.TrimSpace(file)
	if file == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return err
	}
	return os.WriteFile(file, []byte(token), 0o600)
}
