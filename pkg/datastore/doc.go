// Package datastore persists the named datasets behind the DATA verbs in
// a sqlite database.
package datastore
