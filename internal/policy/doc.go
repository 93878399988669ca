// Package policy grants and revokes the qrexec permissions a management
// disposable needs to drive its target.
//
// Two line-oriented files are mutated:
//   - the include file, pulled into the admin-local-rwx / admin-global-ro
//     policies, holding "<sandbox> <target> allow target=<control point>";
//   - the capability file, holding one "<service> * <sandbox> <dest> allow"
//     line per granted service.
//
// Every mutation runs under an exclusive flock(2) on the file being changed,
// after checking that the locked descriptor still refers to the path. The
// files are shared with other proxy processes, so an in-process mutex is not
// enough.
package policy
