// Package session owns the process-wide unlock state.
//
// A session is either Locked or Unlocked with one asset table. The table
// lives only in memory, behind an atomic pointer that request handlers read
// without locking. [Unlocker.SubmitPassword] is the only way in: it fetches
// the container fresh, decrypts it and swaps the new table in. There is no
// lock or logout transition; the session ends with the process.
package session
