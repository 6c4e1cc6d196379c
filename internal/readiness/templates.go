package readiness

// Shipped document templates. `gantry init` writes these into the workspace;
// the DECISION_LOG template doubles as the similarity baseline for the gate.

const stubMarker = "<!-- gantry:template -->"

// PRDTemplate is the starter product requirements document.
const PRDTemplate = stubMarker + `
# Product Requirements

## Problem

Describe the problem this project solves.

## Goals

- Goal one

## Users

Who is this for?

## Requirements

- Requirement one

## Success Metrics

- Metric one
`

// SpecTemplate is the starter technical specification.
const SpecTemplate = stubMarker + `
# Technical Specification

## Architecture

Describe the shape of the system.

## Data Model

Entities and their attributes.

## Interfaces

External surfaces and contracts.

## Error Handling

Failure taxonomy and propagation.

## Testing

How correctness is demonstrated.
`

// DecisionLogTemplate is the starter decision log. The INIT row marks the
// bootstrap state; the gate requires at least one row beyond it.
const DecisionLogTemplate = `# Decision Log

| ID | Date | Decision | Rationale |
|----|------|----------|-----------|
| INIT | - | Project initialized | Bootstrap |
`
