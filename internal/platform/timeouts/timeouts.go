// Package timeouts defines shared timeout constants used across the chat
// service so HTTP, gRPC, and outbound push calls stay consistent.
package timeouts

import "time"

// GRPCProbe caps how long the -probe health check waits for SERVING.
const GRPCProbe = 3 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// PushDelivery caps a single web push request to a browser push service.
const PushDelivery = 10 * time.Second

// AttachmentUpload caps a single object storage upload.
const AttachmentUpload = 60 * time.Second
