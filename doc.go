// Package auth provides purpose-bound tokens, bitmask permissions, a
// credential lifecycle and a versioned audit trail backed by Bun.
//
// Tokens:
//   - TokenService signs HS256 tokens bound to a subject and a TokenPurpose
//     (confirm, reset, change_email, invite). Verification reports why a token
//     failed (signature, expiry, subject, purpose) and never panics on input.
//   - Tokens carry the principal's token version. Resetting a password,
//     changing the email or deactivating an account bumps it, so older links
//     stop working even before they expire.
//
// Permissions:
//   - Permission is a uint64 mask of READ, EDIT, CREATE, DELETE and ADMIN.
//     Can and Authorize never grant anything to a principal with no role.
//
// Credential lifecycle:
//   - CredentialLifecycle moves a principal between preregistered, unconfirmed
//     and active. Every mutation runs in one transaction guarded by an
//     optimistic version check, and writes its history record in the same
//     transaction.
//   - Operations driven by tokens return (false, nil) for bad or stale links
//     and (false, err) only for infrastructure failures.
//
// Audit trail:
//   - AuditTrail records the tracked fields that changed, with hidden fields
//     redacted. Reconstruct folds the records of an entity back into its
//     tracked state.
//
// Activity sinks and notifiers:
//   - ActivitySink and Notifier run after commit and are best-effort: errors
//     are logged and never undo the operation.
package auth
