package tools

// Input schemas check argument shape only. Value rules (take bounds,
// operator names, field-name hygiene) belong to the dsl package, which
// reports them with precise field paths.

const describeSchemaInput = `{
  "type": "object",
  "properties": {
    "model": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

const filterDefs = `"$defs": {
    "filter": {
      "type": "object",
      "required": ["field", "op"],
      "properties": {
        "field": {"type": "string"},
        "op": {"type": "string"},
        "value": {}
      },
      "additionalProperties": false
    },
    "filters": {"type": "array", "items": {"$ref": "#/$defs/filter"}},
    "names": {"type": "array", "items": {"type": "string"}},
    "include": {
      "type": "object",
      "required": ["relation"],
      "properties": {
        "relation": {"type": "string"},
        "select": {"$ref": "#/$defs/names"},
        "where": {"$ref": "#/$defs/filters"},
        "take": {"type": "integer"}
      },
      "additionalProperties": false
    },
    "includes": {"type": "array", "items": {"$ref": "#/$defs/include"}},
    "id": {"type": ["string", "integer"]}
  }`

const queryInput = `{
  "type": "object",
  "required": ["model"],
  "properties": {
    "model": {"type": "string"},
    "select": {"$ref": "#/$defs/names"},
    "where": {"$ref": "#/$defs/filters"},
    "order_by": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field"],
        "properties": {
          "field": {"type": "string"},
          "direction": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "include": {"$ref": "#/$defs/includes"},
    "take": {"type": "integer"},
    "cursor": {"type": "string"}
  },
  "additionalProperties": false,
  ` + filterDefs + `
}`

const getInput = `{
  "type": "object",
  "required": ["model", "id"],
  "properties": {
    "model": {"type": "string"},
    "id": {"$ref": "#/$defs/id"},
    "select": {"$ref": "#/$defs/names"},
    "include": {"$ref": "#/$defs/includes"}
  },
  "additionalProperties": false,
  ` + filterDefs + `
}`

const aggregateInput = `{
  "type": "object",
  "required": ["model", "operation"],
  "properties": {
    "model": {"type": "string"},
    "operation": {"type": "string"},
    "field": {"type": "string"},
    "where": {"$ref": "#/$defs/filters"}
  },
  "additionalProperties": false,
  ` + filterDefs + `
}`

const createInput = `{
  "type": "object",
  "required": ["model", "data"],
  "properties": {
    "model": {"type": "string"},
    "data": {"type": "object"}
  },
  "additionalProperties": false
}`

const updateInput = `{
  "type": "object",
  "required": ["model", "id", "data"],
  "properties": {
    "model": {"type": "string"},
    "id": {"$ref": "#/$defs/id"},
    "data": {"type": "object"}
  },
  "additionalProperties": false,
  ` + filterDefs + `
}`

const deleteInput = `{
  "type": "object",
  "required": ["model", "id"],
  "properties": {
    "model": {"type": "string"},
    "id": {"$ref": "#/$defs/id"}
  },
  "additionalProperties": false,
  ` + filterDefs + `
}`
