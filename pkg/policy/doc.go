/*
Package policy parses declarative anonymization policies and answers the two
questions the pipeline asks: should a detection of this entity at this
confidence be kept, and which operator rewrites it.

Two document shapes are accepted: the structured form (detection.entities
with per-entity thresholds and actions) and the legacy flat form (an entity
list with one global threshold). Both normalize to Config. Parsed policies
are cached per id with copy-on-write replacement; unknown ids fall back to a
built-in default policy rather than failing the pipeline.
*/
package policy
