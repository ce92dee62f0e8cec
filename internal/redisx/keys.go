package redisx

import "time"

const (
	// Pipeline idempotency fast path: order:rx:{prescription_id} -> order_id
	KeyOrderByPrescription = "order:rx:%s"

	// Cache prescription status: rx_status:{prescription_id} -> {"status": "..."}
	KeyPrescriptionStatus = "rx_status:%s"

	// Dedup event processing: dedup:{service}:{id} (id = event_id)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
