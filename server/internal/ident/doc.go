// Package ident generates and validates the UUID identifiers used for bins
// and captured requests.
package ident
