package mcpserver

// SelectorContract describes how LLM consumers should name, version and
// select registry cards.
const SelectorContract = `# OpsML Selector Contract

Every card in the registry is identified two ways: by its uid, and by the
tuple (kind, team, name, version).

## Kinds

` + "`data`, `model`, `run`, `pipeline`, `audit`, `project`" + `. Every listing
and every name-based lookup is scoped to exactly one kind.

## Names and teams

1. Names and teams are lowercased and trimmed before storage. Whitespace
   becomes ` + "`-`" + `; any other character outside the allowed set is dropped.
2. Only ` + "`a-z`, `0-9`, `_` and `-`" + ` are kept.
3. Name and team are each at most 53 characters.

## Versions

Versions are semantic versions: ` + "`MAJOR.MINOR.PATCH[-pre][+build]`" + `.

| Filter     | Matches          |
|------------|------------------|
| ` + "`1.2.3`" + `    | exactly 1.2.3    |
| ` + "`1.2`" + `      | any 1.2.x        |
| ` + "`1`" + `        | any 1.x.y        |
| ` + "`1.2.*`" + `    | any 1.2.x        |
| ` + "`1.*`" + `      | any 1.x.y        |
| ` + "`^1.2.0`" + `   | any 1.x.y        |
| ` + "`~1.2.0`" + `   | any 1.2.x        |

Results are ordered highest version first. Pre-releases sort below their
release and can be excluded with ` + "`ignore_rc`" + `.

## Selecting one card

- With ` + "`uid`" + `, the card is returned directly; a mismatched ` + "`kind`" + ` is not found.
- Otherwise ` + "`kind`" + ` and a ` + "`name`" + ` or tag filter are required. With a name the
  highest matching version wins; a tag-only selector must match exactly one card.
- A selector that matches nothing is an error. Never guess a uid.

## Tags

Tags are string key/value pairs. A tag filter such as ` + "`stage=prod,owner=ml`" + `
matches cards carrying every listed pair.

## Artifacts

A card's ` + "`uris`" + ` map names its stored artifacts. Use ` + "`artifact_link`" + `
with the card uid and an artifact name to obtain a download link.
`
