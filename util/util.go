package util

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/chainpoint/chainpoint-txwatch/types"
)

// LogError : Log error if it exists
func LogError(err error) error {
	if err != nil {
		fmt.Println(err)
	}
	return err
}

// LoggerError : Log error if it exists using a logger
func LoggerError(logger log.Logger, err error) error {
	if err != nil {
		logger.Error(fmt.Sprintf("Error in %s: %s", GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// GetEnv : get an env var but with a default. Untyped, defaults to string.
func GetEnv(key string, def string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return def
	}
	return value
}

// GetIPOnly strips scheme and port from a uri
func GetIPOnly(ip string) string {
	listenAddr := ip
	if strings.Contains(listenAddr, "//") {
		listenAddr = listenAddr[strings.LastIndex(listenAddr, "/")+1:]
	}
	if strings.Contains(listenAddr, ":") {
		listenAddr = listenAddr[:strings.LastIndex(listenAddr, ":")]
	}
	return listenAddr
}

// GetClientIP : address of the remote end of an API request, without the port
func GetClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return GetIPOnly(r.RemoteAddr)
}

// GetCurrentFuncName : name of the function numCallStack frames up
func GetCurrentFuncName(numCallStack int) string {
	pc, _, _, _ := runtime.Caller(numCallStack)
	return runtime.FuncForPC(pc).Name()
}

// UniquifyStrings drops empty and repeated entries, keeping first-seen order
func UniquifyStrings(s []string) []string {
	seen := make(map[string]struct{}, len(s))
	j := 0
	for _, v := range s {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		s[j] = v
		j++
	}
	return s[:j]
}

// ParseDigests decodes hex digests, ignoring blanks and duplicates
func ParseDigests(hexDigests []string) ([]types.Digest, error) {
	trimmed := make([]string, 0, len(hexDigests))
	for _, h := range hexDigests {
		trimmed = append(trimmed, strings.TrimPrefix(strings.TrimSpace(h), "0x"))
	}
	trimmed = UniquifyStrings(trimmed)
	digests := make([]types.Digest, 0, len(trimmed))
	for _, h := range trimmed {
		d, err := types.ParseDigest(h)
		if err != nil {
			return nil, fmt.Errorf("invalid digest %q: %w", h, err)
		}
		digests = append(digests, d)
	}
	return digests, nil
}
