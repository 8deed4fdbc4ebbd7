// Package connectors integrates the external systems evidence flows
// through: source systems that hold candidate files (Google Drive,
// OneDrive), the Slack channel where humans approve collected evidence,
// and the Sprinto GRC system evidence is finally filed with.
//
// Source connectors expose a single scan capability. A scan that finds
// nothing returns an empty file list, not an error; ErrSourceUnavailable
// is reserved for the source itself being unreachable or rejecting
// credentials.
package connectors
