// Package models holds the GORM rows behind the sales aggregates. Domain types
// carry no ORM tags; each model converts with ToDomain and FromDomain.
//
//   - order_record.go: order records, line items, payment attempts, audit trail
//   - session.go: customer sessions and their message log
//   - payment_event.go: processed and orphaned payment confirmations
package models
