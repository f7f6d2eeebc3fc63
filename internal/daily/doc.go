// Package daily runs the daily challenge cycle.
//
// Each configured tenant gets at most one recorded challenge per local date.
// A cron alarm at local midnight posts the new challenge with yesterday's
// leaderboard, and a one-shot reconciliation after startup catches up on
// alarms missed while the process was down. Delivery is not persisted, so a
// restart can repost a day's challenge at most once.
package daily
