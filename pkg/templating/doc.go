/*
Package templating provides a filesystem-backed store of named templates.

Each template lives in one file inside the store's directory; the file name
is the template id. The Store keeps the compiled form of every template in
memory, guarded by a read/write mutex, and renders them through the
restricted expression language of package sandbox. Changes made to the
directory by other processes become visible only after Refresh, which a
Watcher can trigger automatically.

Optional metadata (a description and default variables per template) is kept
in a catalog database when one is supplied with WithMetadata.
*/
package templating
