// Package cron parses recurrence expressions for recurring jobs and computes
// their next trigger time.
//
// Expressions use the standard five fields (minute, hour, day of month,
// month, day of week) with an optional leading seconds field, plus
// descriptors such as "@hourly" or "@every 30s":
//
//	"*/5 * * * *"    every five minutes
//	"0 0 * * * *"    at the top of every hour (seconds field present)
//	"@daily"         once a day at midnight
//
// An expression that parses but can never fire again, such as February 30,
// yields [ErrNoNextRun] from [Next].
package cron
