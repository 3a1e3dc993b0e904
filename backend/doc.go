/*
Package backend discovers stdio tool servers on disk and describes how to launch them.

A backend root contains one directory per backend. Each directory is classified exactly once, with the first match winning:

 1. an executable named like the directory (at the top level or under bin/) is launched directly,
 2. Python markers (server.py, main.py, pyproject.toml, setup.py, requirements.txt) select an interpreter, preferring one from a virtual environment in the directory,
 3. a package.json selects node with the package's main entry.

Directories that match nothing are skipped. An optional setup script (setup.sh, run-server.sh or install.sh, first executable one wins) marks the backend as needing provisioning before it can be started.
*/
package backend
