package models

import "errors"

// ErrNotFound is returned by stores when a referenced document does not exist.
var ErrNotFound = errors.New("not found")

// ImageRef locates an uploaded image: URL is what clients and the classifier fetch,
// Handle is what the image store needs to read or delete it.
type ImageRef struct {
	URL    string `json:"url"`
	Handle string `json:"handle"`
}
