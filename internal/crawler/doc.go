// Package crawler discovers candidate releases on a nyaa-style tracker.
//
// The RSS feed is queried first. When it yields nothing the HTML results page is
// scraped, optionally re-rendered in a headless browser when the static page is a
// script shell. Every request runs under the shared concurrency governor and is
// retried on transient failures; HTTP 429 waits do not consume an attempt.
package crawler
