package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/huykn/offline-cache/types"
)

// Snapshot reads resp fully and closes its body.
func Snapshot(resp *http.Response) (types.ResponseSnapshot, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ResponseSnapshot{}, fmt.Errorf("read response body: %w", err)
	}
	return types.ResponseSnapshot{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// EncodeSnapshot serializes snap for CacheEntry.Payload.
func EncodeSnapshot(snap types.ResponseSnapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(payload []byte) (types.ResponseSnapshot, error) {
	var snap types.ResponseSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return types.ResponseSnapshot{}, err
	}
	if snap.StatusCode == 0 {
		return types.ResponseSnapshot{}, fmt.Errorf("snapshot without status code")
	}
	return snap, nil
}

// NewResponse rebuilds an independent *http.Response from snap. cacheStatus,
// when not empty, is set in the X-Offline-Cache header.
func NewResponse(req *http.Request, snap types.ResponseSnapshot, cacheStatus string) *http.Response {
	header := snap.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if cacheStatus != "" {
		header.Set(HeaderCacheStatus, cacheStatus)
	}
	header.Set("Content-Length", strconv.Itoa(len(snap.Body)))

	return &http.Response{
		Status:        strconv.Itoa(snap.StatusCode) + " " + http.StatusText(snap.StatusCode),
		StatusCode:    snap.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(snap.Body)),
		ContentLength: int64(len(snap.Body)),
		Request:       req,
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
