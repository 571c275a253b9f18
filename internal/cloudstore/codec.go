package cloudstore

import "encoding/json"

// Values are stored as JSON text in both the local cache and the remote
// store, so either can serve as the other's fallback.

func encodeValue[T any](v T) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeValue[T any](raw string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(raw), &v)
	return v, err
}
