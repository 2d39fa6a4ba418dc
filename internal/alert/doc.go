// Package alert deduplicates notifications and delivers them to console,
// webhook and log channels.
//
// Channels are registered with a tier. Basic channels see every alert,
// secondary channels see WARNING and above and high-touch channels see only
// CRITICAL alerts. Repeats of the same severity, source and message prefix
// inside the throttle interval are counted but not re-sent.
package alert
