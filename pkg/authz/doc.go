// Package authz holds the permission data model: authorizations,
// resource types and their variants, per-resource permission maps, and
// the materialized per-user permission sets with their external view
// projections.
package authz
