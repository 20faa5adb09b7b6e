/*
Package catalog keeps the metadata that does not live in the template files
themselves: a description and a set of default variables for each template,
plus per-template render counters.

The catalog is a thin layer over a SQLite database. Call SetupSchema once on
a database, then New to get a Catalog with its statements prepared. The
template store treats the catalog as optional; without it descriptions and
defaults only live in memory.
*/
package catalog
