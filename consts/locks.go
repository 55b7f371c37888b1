package consts

// MigrationAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one sebconn instance or admin tool runs migrations at a time.
const MigrationAdvisoryLockID = 51873302
