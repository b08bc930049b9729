// Package imageref normalises container image references into the scope
// buckets used by the rate limiter and image lock, and by the webhook
// payload parser.
package imageref

import (
	"strings"

	"github.com/distribution/reference"
)

// Normalise canonicalises an image reference into a stable bucket string,
// e.g. "nginx" and "docker.io/library/nginx:latest" both normalise to
// "docker.io/library/nginx". The tag is dropped: the bucket identifies the
// image being redeployed, not a specific version, so that two webhook
// pushes for the same image (different tags) still serialise through the
// same image lock.
//
// If ref cannot be parsed as a valid image reference (e.g. it is already a
// bucket key from an older record), it is returned unchanged so callers
// never lose data over a parse failure.
func Normalise(ref string) string {
	if ref == "" {
		return ref
	}
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ref
	}
	return named.Name()
}

// Bucket builds the RateLimiter/ImageLock scope bucket for an image ref:
// scope "image:<ref>".
func Bucket(ref string) string {
	return "image:" + Normalise(ref)
}

// SplitTag separates "image:tag" into its image and tag components,
// tolerating a registry host:port prefix (the colon before a port must not
// be mistaken for the tag separator).
func SplitTag(ref string) (image, tag string) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return splitTagFallback(ref)
	}
	tagged, ok := named.(reference.Tagged)
	if !ok {
		return named.Name(), ""
	}
	return named.Name(), tagged.Tag()
}

// splitTagFallback handles references the reference library rejects (e.g.
// a bare "image" with no registry-valid form) by splitting on the last
// colon that isn't part of a registry host:port.
func splitTagFallback(ref string) (image, tag string) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return ref, ""
	}
	candidate := ref[idx+1:]
	if strings.Contains(candidate, "/") {
		return ref, ""
	}
	return ref[:idx], candidate
}
