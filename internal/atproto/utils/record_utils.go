// Package utils holds small helpers for AT-URIs and record values.
package utils

import (
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// ExtractRKeyFromURI extracts the record key from an AT-URI
// Format: at://did/collection/rkey -> rkey
// Returns "" if the URI does not parse or names no record.
func ExtractRKeyFromURI(uri string) string {
	parsed, err := syntax.ParseATURI(uri)
	if err != nil {
		return ""
	}
	return parsed.RecordKey().String()
}

// ExtractCollectionFromURI extracts the collection from an AT-URI
// Format: at://did/collection/rkey -> collection
//
// An empty result means the URI is malformed or has no collection segment;
// callers treat it as "not a record of any known type".
func ExtractCollectionFromURI(uri string) string {
	parsed, err := syntax.ParseATURI(uri)
	if err != nil {
		return ""
	}
	return parsed.Collection().String()
}

// IsRecordOf reports whether uri names a record in collection.
func IsRecordOf(uri, collection string) bool {
	return collection != "" && ExtractCollectionFromURI(uri) == collection
}
