package config

const defaultTemplate = `project:
  id: %s
  kind: delivery-project

hardening:
  catalog:
    security.threat_model_drafted:
      description: "Initial threat model written down"
    security.secrets_externalized:
      description: "No credentials in code or images"
    security.dependency_audit:
      description: "Dependency vulnerability audit clean"
    security.authn_enforced:
      description: "Authentication required on every surface"
    security.authz_model_reviewed:
      description: "Authorization model reviewed"
    security.pentest_basic:
      description: "Basic penetration test passed"
    security.audit_logging:
      description: "Security-relevant actions audited"
    security.data_retention_policy:
      description: "Data retention policy applied"
    security.access_reviews:
      description: "Periodic access reviews running"
    security.pentest_full:
      description: "Full-scope penetration test passed"
    security.compliance_reviewed:
      description: "Compliance requirements reviewed"
    security.continuous_scanning:
      description: "Continuous vulnerability scanning live"
    security.red_team_exercise:
      description: "Red team exercise completed"
    reliability.smoke_tests:
      description: "Smoke test suite green"
    reliability.error_paths_reviewed:
      description: "Failure paths reviewed"
    reliability.backup_restore_tested:
      description: "Backup and restore exercised"
    reliability.health_checks:
      description: "Liveness and readiness checks wired"
    reliability.alerting_configured:
      description: "Alerting on key signals"
    reliability.incident_runbook:
      description: "Incident runbook written"
    reliability.slo_defined:
      description: "Service level objectives defined"
    reliability.failover_tested:
      description: "Failover path exercised"
    reliability.chaos_drill:
      description: "Chaos drill completed"
    reliability.oncall_rotation:
      description: "On-call rotation staffed"
    reliability.dr_plan_tested:
      description: "Disaster recovery plan exercised"
    reliability.error_budget_policy:
      description: "Error budget policy in force"
    reliability.regional_failover_drill:
      description: "Cross-region failover drill completed"
    scalability.capacity_estimated:
      description: "Capacity needs estimated"
    scalability.load_profile_documented:
      description: "Expected load profile documented"
    scalability.horizontal_scaling_plan:
      description: "Horizontal scaling plan written"
    scalability.load_tested_baseline:
      description: "Baseline load test passed"
    scalability.autoscaling_configured:
      description: "Autoscaling configured and verified"
    scalability.load_tested_peak:
      description: "Peak load test passed"
    scalability.multi_region_plan:
      description: "Multi-region strategy agreed"
    scalability.capacity_headroom:
      description: "Verified capacity headroom"
    scalability.cost_per_unit_tracked:
      description: "Unit economics tracked under load"

  checkpoints:
    POC:
      L1:
        mandatory: [security.threat_model_drafted, reliability.smoke_tests]
      L2:
        mandatory: [security.secrets_externalized, reliability.error_paths_reviewed]
        recommended: [scalability.capacity_estimated]
      L3:
        mandatory: [security.dependency_audit, reliability.backup_restore_tested, scalability.load_profile_documented]
        criteria:
          technical: ["all mandatory hardening evidence recorded"]
          business: ["sponsor sign-off on MVP scope"]
          risk: ["no open critical vulnerabilities"]
    MVP:
      L1:
        mandatory: [security.authn_enforced, reliability.health_checks]
      L2:
        mandatory: [security.authz_model_reviewed, reliability.alerting_configured, scalability.horizontal_scaling_plan]
      L3:
        mandatory: [security.pentest_basic, reliability.incident_runbook, scalability.load_tested_baseline]
        criteria:
          technical: ["baseline load sustained for one hour"]
          business: ["pilot customers identified"]
          risk: ["rollback to POC rehearsed"]
    PILOT:
      L1:
        mandatory: [security.audit_logging, reliability.slo_defined]
      L2:
        mandatory: [security.data_retention_policy, reliability.failover_tested, scalability.autoscaling_configured]
      L3:
        mandatory: [security.access_reviews, reliability.chaos_drill, scalability.load_tested_peak]
        criteria:
          technical: ["peak load sustained with SLO intact"]
          business: ["pilot retrospective accepted"]
          risk: ["data loss scenarios rehearsed"]
    PRODUCTION:
      L1:
        mandatory: [security.pentest_full, reliability.oncall_rotation]
      L2:
        mandatory: [security.compliance_reviewed, reliability.dr_plan_tested, scalability.multi_region_plan]
      L3:
        mandatory: [reliability.error_budget_policy, scalability.capacity_headroom]
        recommended: [security.continuous_scanning]
        criteria:
          technical: ["one full quarter inside error budget"]
          business: ["scale investment approved"]
          risk: ["DR exercised within the last quarter"]
    SCALE:
      L1:
        mandatory: [security.continuous_scanning, reliability.regional_failover_drill]
      L2:
        mandatory: [security.red_team_exercise, scalability.cost_per_unit_tracked]
      L3:
        mandatory: [reliability.error_budget_policy, scalability.load_tested_peak]

payment:
  currency: USD
  expiry_hours: 72
  amounts:
    MVP: 5000
    PILOT: 15000
    PRODUCTION: 50000
    SCALE: 100000
  approved_methods: [bank_transfer, corporate_card, invoice]
  authorized_personnel: []

rbac:
  roles:
    owner:
      description: "Full control of the project lifecycle"
      permissions:
        - project.read
        - project.create
        - project.list
        - project.update
        - project.delete
        - project.status.read
        - project.config.read
        - project.config.write
        - maturity.assess
        - maturity.validate
        - transition.present
        - decision.submit
        - gate.create
        - gate.read
        - gate.confirm
        - gate.reject
        - evidence.write
        - evidence.read
        - audit.read
        - rbac.manage
    approver:
      description: "May approve decisions and confirm payment gates"
      permissions:
        - project.read
        - project.status.read
        - maturity.assess
        - maturity.validate
        - transition.present
        - decision.submit
        - gate.read
        - gate.confirm
        - gate.reject
        - evidence.read
        - audit.read
    contributor:
      description: "Records evidence and reads state"
      permissions:
        - project.read
        - project.status.read
        - maturity.assess
        - maturity.validate
        - evidence.write
        - evidence.read
        - audit.read
    auditor:
      description: "Read-only access to the audit trail"
      permissions:
        - project.read
        - project.status.read
        - audit.read
        - evidence.read
        - gate.read
`
