// Package booking defines the core types and interfaces shared by the slot
// scraping engine: the request/result model, and the browser-drive contract
// consumed by the navigation flow and session workers.
package booking
