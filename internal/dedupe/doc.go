// Package dedupe drops chat events redelivered within a time window.
package dedupe
