// Package helpers provides common utility functions used across the broker.
package helpers
