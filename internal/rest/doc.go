// Package rest executes request/response API calls under the per-bucket
// rate limiter, maps error statuses to a typed taxonomy, and performs the
// gateway bootstrap call.
package rest
