// Package storage is the persistence layer for posts, keywords, templates,
// rules, delivery history, follower welcomes and broadcast campaigns.
//
// Every Store method is atomic on its own. Callers never compose
// transactions; operations that must change several rows together
// (creating a broadcast with its recipients, recording a recipient outcome
// with its counter) are single methods.
package storage
